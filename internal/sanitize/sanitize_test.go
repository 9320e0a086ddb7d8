package sanitize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskPIIEmail(t *testing.T) {
	out := MaskPII("contact taro@example.com for details")
	assert.NotContains(t, out, "taro@example.com")
	assert.Contains(t, out, "〔メール〕")
}

func TestMaskPIIPhone(t *testing.T) {
	out := MaskPII("call 090-1234-5678 tonight")
	assert.NotContains(t, out, "090-1234-5678")
	assert.Contains(t, out, "〔電話〕")
}

func TestMaskPIIName(t *testing.T) {
	out := MaskPII("山田太郎さんに連絡する")
	assert.NotContains(t, out, "山田太郎さん")
	assert.Contains(t, out, "〔個人名〕")
}

func TestMaskPIIAddress(t *testing.T) {
	out := MaskPII("東京都千代田区丸の内1丁目に行く")
	assert.Contains(t, out, "〔住所〕")
}

func TestMaskPIIPlainTextUntouched(t *testing.T) {
	in := "明日の天気を調べて計画を立てる"
	assert.Equal(t, in, MaskPII(in))
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{"clean", "summarize the weather impact", nil},
		{"email", "mail me at a@b.example", []string{HitEmail}},
		{"phone", "tel: 03-1234-5678", []string{HitPhone}},
		{"name only", "田中様が来る", []string{HitNameLike}},
		{"email and name", "鈴木さん a@b.example", []string{HitEmail, HitNameLike}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Detect(tt.text))
		})
	}
}

func TestOnlyNameLike(t *testing.T) {
	assert.True(t, OnlyNameLike([]string{HitNameLike}))
	assert.False(t, OnlyNameLike([]string{HitEmail}))
	assert.False(t, OnlyNameLike([]string{HitNameLike, HitEmail}))
	assert.False(t, OnlyNameLike(nil))
}
