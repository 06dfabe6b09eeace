package fixtures

import (
	"fmt"
	"time"

	"github.com/blastline/campaign-engine/internal/model"
)

var (
	TestAccountOfficial = model.Account{
		ID:         1,
		TenantID:   1,
		Identifier: "acct-official",
		APIKey:     "test-api-key-1",
		Channel:    model.ChannelOfficial,
	}

	TestAccountUnofficial = model.Account{
		ID:         2,
		TenantID:   1,
		Identifier: "acct-unofficial",
		APIKey:     "test-api-key-2",
		Channel:    model.ChannelUnofficial,
	}

	TestTemplateGreeting = model.Template{
		ID:       1,
		TenantID: 1,
		Name:     "greeting",
		Body:     "Hi {{name}}, your order {{order_id}} has shipped",
	}

	TestProxyPool = model.ProxyPool{
		{Type: model.ProxyTypeHTTP, Host: "exit-a.proxy.local", Port: 3128},
		{Type: model.ProxyTypeHTTP, Host: "exit-b.proxy.local", Port: 3128},
		{Type: model.ProxyTypeSocks5, Host: "exit-c.proxy.local", Port: 1080},
	}
)

func NewTestCampaign(tenantID int64, status model.CampaignStatus) *model.Campaign {
	return &model.Campaign{
		TenantID:         tenantID,
		Name:             "test campaign",
		Status:           status,
		MaxRetries:       1,
		FailureThreshold: 5,
		RemovalThreshold: 3,
	}
}

func NewTestContacts(tenantID int64, n int) []*model.Contact {
	contacts := make([]*model.Contact, n)
	for i := range contacts {
		contacts[i] = &model.Contact{
			TenantID: tenantID,
			Phone:    fmt.Sprintf("+1555000%04d", i+1),
			Variables: model.Variables{
				"name":     fmt.Sprintf("user%d", i+1),
				"order_id": fmt.Sprintf("ORD-%04d", i+1),
			},
		}
	}
	return contacts
}

func NewTestBinding(campaignID, accountID, templateID int64) *model.CampaignTemplate {
	return &model.CampaignTemplate{
		CampaignID: campaignID,
		AccountID:  accountID,
		TemplateID: templateID,
		IsActive:   true,
	}
}

func NewStatusEvent(externalID string, status model.MessageStatus) *model.WebhookEvent {
	return &model.WebhookEvent{
		Type:              model.WebhookEventStatus,
		ExternalMessageID: externalID,
		NewStatus:         status,
		OccurredAt:        time.Now(),
	}
}

func NewClickEvent(externalID, payload string) *model.WebhookEvent {
	return &model.WebhookEvent{
		Type:              model.WebhookEventClick,
		ExternalMessageID: externalID,
		ButtonPayload:     payload,
		OccurredAt:        time.Now(),
	}
}
