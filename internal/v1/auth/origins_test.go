package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetAllowedOriginsFromEnv(t *testing.T) {
	t.Setenv("TEST_ALLOWED_ORIGINS", "http://localhost:3000,https://app.example.com")

	origins := GetAllowedOriginsFromEnv("TEST_ALLOWED_ORIGINS", []string{"http://fallback"})
	assert.Equal(t, []string{"http://localhost:3000", "https://app.example.com"}, origins)
}

func TestGetAllowedOriginsFromEnvDefault(t *testing.T) {
	t.Setenv("TEST_ALLOWED_ORIGINS", "")

	origins := GetAllowedOriginsFromEnv("TEST_ALLOWED_ORIGINS", []string{"http://fallback"})
	assert.Equal(t, []string{"http://fallback"}, origins)
}
