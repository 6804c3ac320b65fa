package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestImageSelector_Select(t *testing.T) {
	s := NewImageSelector(nil)

	tests := []struct {
		name   string
		urls   []string
		want   string
		wantOK bool
	}{
		{
			name:   "first qualifying in document order",
			urls:   []string{"https://cdn.shop.ph/logo.png", "https://cdn.shop.ph/Gallery/1.jpg", "https://cdn.shop.ph/product/2.jpg"},
			want:   "https://cdn.shop.ph/Gallery/1.jpg",
			wantOK: true,
		},
		{
			name:   "non network scheme skipped",
			urls:   []string{"data:image/png;base64,product", "//cdn.shop.ph/item.jpg", "http://img.shop.ph/item-44.webp"},
			want:   "http://img.shop.ph/item-44.webp",
			wantOK: true,
		},
		{
			name:   "keyword in query only does not count",
			urls:   []string{"https://cdn.shop.ph/banner.jpg?ref=product"},
			wantOK: false,
		},
		{
			name:   "nothing",
			urls:   nil,
			wantOK: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := s.Select(tt.urls)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestImageSelector_CustomKeywords(t *testing.T) {
	s := NewImageSelector([]string{" Photo "})

	got, ok := s.Select([]string{"https://a.ph/product/1.jpg", "https://a.ph/PHOTOS/2.jpg"})

	assert.True(t, ok)
	assert.Equal(t, "https://a.ph/PHOTOS/2.jpg", got)
}
