package render

import (
	"testing"

	"github.com/blastline/campaign-engine/internal/model"
	"github.com/stretchr/testify/assert"
)

func TestRender(t *testing.T) {
	vars := model.Variables{
		"name": "Sara",
		"code": "X-42",
	}

	tests := []struct {
		name string
		body string
		vars model.Variables
		want string
	}{
		{
			name: "single placeholder",
			body: "Hi {{name}}!",
			vars: vars,
			want: "Hi Sara!",
		},
		{
			name: "multiple placeholders",
			body: "Hi {{name}}, your code is {{code}}",
			vars: vars,
			want: "Hi Sara, your code is X-42",
		},
		{
			name: "repeated placeholder",
			body: "{{name}} {{name}}",
			vars: vars,
			want: "Sara Sara",
		},
		{
			name: "missing variable renders empty",
			body: "Hi {{name}}, see {{missing}} here",
			vars: model.Variables{"name": "Sara"},
			want: "Hi Sara, see  here",
		},
		{
			name: "nil variables",
			body: "Hi {{name}}",
			vars: nil,
			want: "Hi ",
		},
		{
			name: "no placeholders",
			body: "plain text",
			vars: vars,
			want: "plain text",
		},
		{
			name: "empty body",
			body: "",
			vars: vars,
			want: "",
		},
		{
			name: "whitespace inside braces",
			body: "Hi {{ name }}",
			vars: vars,
			want: "Hi Sara",
		},
		{
			name: "unclosed braces left as-is",
			body: "Hi {{name",
			vars: vars,
			want: "Hi {{name",
		},
		{
			name: "dotted and dashed names",
			body: "{{user.first-name}}",
			vars: model.Variables{"user.first-name": "Sara"},
			want: "Sara",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Render(tt.body, tt.vars))
		})
	}
}

func TestRenderIsIdempotent(t *testing.T) {
	vars := model.Variables{"name": "Sara"}
	once := Render("Hi {{name}}, welcome", vars)
	twice := Render(once, vars)
	assert.Equal(t, once, twice)
}

func TestPlaceholders(t *testing.T) {
	assert.Nil(t, Placeholders("no placeholders here"))
	assert.Equal(t, []string{"name", "code", "name"}, Placeholders("{{name}} {{code}} {{name}}"))
}
