package chatio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToWebChatMarkup(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bold", "<b>שלום</b>", "*שלום*"},
		{"strong", "<strong>hi</strong>", "*hi*"},
		{"italic", "<i>hi</i>", "_hi_"},
		{"strike", "<s>old</s>", "~old~"},
		{"code", "<code>TOK123</code>", "`TOK123`"},
		{"line break", "a<br>b<br/>c", "a\nb\nc"},
		{"anchor", `<a href="https://example.com">כאן</a>`, "כאן (https://example.com)"},
		{"entities", "5 &lt; 7 &amp; 3", "5 < 7 & 3"},
		{"mixed", "<b>משלוח</b> חדש<br>עמלה: <code>25.50</code>", "*משלוח* חדש\nעמלה: `25.50`"},
		{"plain", "no markup here", "no markup here"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ToWebChatMarkup(tt.in))
		})
	}
}

func TestToWebChatMarkupIdempotent(t *testing.T) {
	inputs := []string{
		"<b>משלוח</b> חדש<br>כתובת: <i>הרצל 10</i>",
		`קישור: <a href="https://example.com/d/42">פרטים</a>`,
		"plain text with *existing* markers",
	}
	for _, in := range inputs {
		once := ToWebChatMarkup(in)
		twice := ToWebChatMarkup(once)
		assert.Equal(t, once, twice, "conversion must be a no-op on converted text")
	}
}

func TestStripHTML(t *testing.T) {
	assert.Equal(t, "bold and code", StripHTML("<b>bold</b> and <code>code</code>"))
	assert.Equal(t, "a\nb", StripHTML("a<br>b"))
	assert.Equal(t, "שם (tel:123)", StripHTML(`<a href="tel:123">שם</a>`))
}
