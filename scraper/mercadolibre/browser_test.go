package mercadolibre

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"meli-leader-bot/config"
	"meli-leader-bot/utils"
)

func TestBrowserFetcherUsesConfiguredChrome(t *testing.T) {
	cfg := &config.Config{APIBaseURL: "https://api.example.com", ChromeBin: "/opt/chrome/chrome"}
	f := NewBrowserFetcher(cfg, utils.NewNopLogger())
	assert.Equal(t, "/opt/chrome/chrome", f.chromeBin)
}

func TestBrowserFetcherIgnoresProcessEnv(t *testing.T) {
	t.Setenv("CHROME_BIN", "/from/the/environment")

	f := NewBrowserFetcher(&config.Config{APIBaseURL: "https://api.example.com"}, utils.NewNopLogger())
	assert.NotEqual(t, "/from/the/environment", f.chromeBin)
}
