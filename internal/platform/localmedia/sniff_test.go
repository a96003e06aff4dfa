package localmedia

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSniff(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")
	jpg := []byte{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}
	wav := append([]byte("RIFF\x24\x00\x00\x00WAVEfmt "), make([]byte, 16)...)

	cases := []struct {
		name      string
		data      []byte
		mediaType string
		ext       string
	}{
		{"png", png, "image", "png"},
		{"jpeg", jpg, "image", "jpg"},
		{"wav", wav, "audio", "wav"},
		{"id3", []byte("ID3\x04\x00\x00\x00\x00\x00\x00"), "audio", "mp3"},
		{"mpeg frame", []byte{0xff, 0xfb, 0x90, 0x64, 0x00}, "music", "mp3"},
		{"unknown image", []byte("garbage bytes"), "image", "png"},
		{"unknown audio", []byte{0x01, 0x02, 0x03}, "audio", "wav"},
		{"unknown video", []byte{0x01, 0x02, 0x03}, "video", "mp4"},
		{"unknown type", []byte{0x01, 0x02, 0x03}, "", "bin"},
		{"empty", nil, "", "bin"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.ext, Sniff(tc.data, tc.mediaType).Ext)
		})
	}
}

func TestExtFromMIME(t *testing.T) {
	assert.Equal(t, "png", ExtFromMIME("image/png"))
	assert.Equal(t, "jpg", ExtFromMIME("image/jpeg; charset=binary"))
	assert.Equal(t, "", ExtFromMIME("application/octet-stream"))
	assert.Equal(t, "", ExtFromMIME(""))
}
