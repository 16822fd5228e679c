package outbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mishloha/dispatch/internal/config"
	"github.com/mishloha/dispatch/internal/models"
)

func testWorker() *Worker {
	return &Worker{
		cfg: config.OutboxConfig{
			MaxRetries:        5,
			BaseBackoff:       60 * time.Second,
			MaxBackoffSeconds: 3600,
		},
		now: time.Now,
	}
}

func TestBackoffGrowth(t *testing.T) {
	w := testWorker()

	assert.Equal(t, 2*time.Minute, w.backoff(1))
	assert.Equal(t, 4*time.Minute, w.backoff(2))
	assert.Equal(t, 8*time.Minute, w.backoff(3))
	assert.Equal(t, 16*time.Minute, w.backoff(4))
	assert.Equal(t, 32*time.Minute, w.backoff(5))
}

func TestBackoffCeiling(t *testing.T) {
	w := testWorker()
	ceiling := time.Hour

	// 60s * 2^6 = 64m exceeds the one hour ceiling.
	assert.Equal(t, ceiling, w.backoff(6))
	assert.Equal(t, ceiling, w.backoff(10))

	// Large retry counts must not overflow the shift.
	assert.Equal(t, ceiling, w.backoff(21))
	assert.Equal(t, ceiling, w.backoff(63))
	assert.Equal(t, ceiling, w.backoff(1000))
}

func TestRecipientFor(t *testing.T) {
	w := testWorker()

	tests := []struct {
		name     string
		platform string
		chatID   string
		phone    string
		want     string
		ok       bool
	}{
		{"bot private chat", "bot", "12345", "", "12345", true},
		{"bot group chat excluded", "bot", "-100987", "", "", false},
		{"bot empty chat id", "bot", "", "", "", false},
		{"webchat real phone", "webchat", "", "+972501234567", "+972501234567", true},
		{"webchat placeholder excluded", "webchat", "", "tg:12345", "", false},
		{"webchat empty phone", "webchat", "", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := &models.User{
				ChatID:   tt.chatID,
				Phone:    tt.phone,
				Platform: models.Platform(tt.platform),
			}
			got, ok := w.recipientFor(u)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
