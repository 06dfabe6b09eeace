package helpers

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/blastline/campaign-engine/internal/model"
	"github.com/blastline/campaign-engine/pkg/pg"
	"github.com/blastline/campaign-engine/pkg/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func SetupTestDB(t *testing.T) *pg.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	err = db.AutoMigrate(
		&model.Campaign{},
		&model.CampaignTemplate{},
		&model.Contact{},
		&model.CampaignContact{},
		&model.Message{},
		&model.ButtonClick{},
		&model.Account{},
		&model.Template{},
		&model.Proxy{},
	)
	require.NoError(t, err)

	pgDB := &pg.DB{}
	pgDBValue := reflect.ValueOf(pgDB).Elem()

	readField := pgDBValue.FieldByName("read")
	writeField := pgDBValue.FieldByName("write")

	readField = reflect.NewAt(readField.Type(), readField.Addr().UnsafePointer()).Elem()
	writeField = reflect.NewAt(writeField.Type(), writeField.Addr().UnsafePointer()).Elem()

	readField.Set(reflect.ValueOf(db))
	writeField.Set(reflect.ValueOf(db))

	return pgDB
}

func SetupTestRedis(t *testing.T) (*miniredis.Miniredis, redis.RedisAdapter) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	adapter, err := redis.NewRedisAdapter(t.Name()+"-"+mr.Addr(), "", &goredis.UniversalOptions{
		Addrs: []string{mr.Addr()},
	})
	require.NoError(t, err)

	return mr, adapter
}

func CreateTestAccount(t *testing.T, db *pg.DB, tenantID int64, identifier string) *model.Account {
	ctx := context.Background()
	account := &model.Account{
		TenantID:   tenantID,
		Identifier: identifier,
		APIKey:     RandomAPIKey(),
		Channel:    model.ChannelOfficial,
	}
	err := db.Write(ctx).Create(account).Error
	require.NoError(t, err)
	return account
}

func CreateTestTemplate(t *testing.T, db *pg.DB, tenantID int64, body string) *model.Template {
	ctx := context.Background()
	tpl := &model.Template{
		TenantID: tenantID,
		Name:     "template-" + time.Now().Format("150405.000"),
		Body:     body,
	}
	err := db.Write(ctx).Create(tpl).Error
	require.NoError(t, err)
	return tpl
}

func CreateTestContact(t *testing.T, db *pg.DB, tenantID int64, phone string, vars model.Variables) *model.Contact {
	ctx := context.Background()
	contact := &model.Contact{
		TenantID:  tenantID,
		Phone:     phone,
		Variables: vars,
	}
	err := db.Write(ctx).Create(contact).Error
	require.NoError(t, err)
	return contact
}

func CreateTestCampaign(t *testing.T, db *pg.DB, tenantID int64, status model.CampaignStatus) *model.Campaign {
	ctx := context.Background()
	c := &model.Campaign{
		TenantID:         tenantID,
		Name:             "campaign-" + time.Now().Format("150405.000"),
		Status:           status,
		MaxRetries:       1,
		FailureThreshold: 5,
		RemovalThreshold: 3,
	}
	err := db.Write(ctx).Create(c).Error
	require.NoError(t, err)
	return c
}

func WaitForCondition(t *testing.T, timeout time.Duration, condition func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func AssertEventually(t *testing.T, timeout time.Duration, condition func() bool, msg string) {
	if !WaitForCondition(t, timeout, condition) {
		t.Fatal(msg)
	}
}

func ContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

func RandomAPIKey() string {
	return "test-api-key-" + time.Now().Format("20060102150405.000000")
}

func Ptr[T any](v T) *T {
	return &v
}
