package provider

import (
	"testing"

	"github.com/pixelmind/backend/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestCallbackOutcome(t *testing.T) {
	tests := []struct {
		name string
		cb   Callback
		want models.Outcome
	}{
		{"succeeded", Callback{JobID: "j", Status: "succeeded", OutputRef: "s3://b/o.png"}, models.Succeeded("s3://b/o.png")},
		{"failed with reason", Callback{JobID: "j", Status: "failed", Reason: "nsfw"}, models.Failed("nsfw")},
		{"failed without reason", Callback{JobID: "j", Status: "failed"}, models.Failed("prediction failed")},
		{"canceled", Callback{JobID: "j", Status: "canceled", Reason: "ignored"}, models.Failed("canceled by provider")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cb.Outcome())
		})
	}
}

func TestVerifyCallback(t *testing.T) {
	body := []byte(`{"jobId":"j1","status":"succeeded","outputRef":"s3://b/o.png"}`)
	sig := SignCallback("cb-secret", body)

	assert.Len(t, sig, 64)
	assert.True(t, VerifyCallback("cb-secret", body, sig))
	assert.True(t, VerifyCallback("cb-secret", body, " "+sig+"\n"))
	assert.False(t, VerifyCallback("other", body, sig))
	assert.False(t, VerifyCallback("cb-secret", append(body, ' '), sig))
	assert.False(t, VerifyCallback("", body, SignCallback("", body)))
	assert.False(t, VerifyCallback("cb-secret", body, ""))
}
