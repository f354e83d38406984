package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/pixelmind/backend/internal/models"
)

// SignatureHeader carries the hex HMAC-SHA256 of a callback body
const SignatureHeader = "X-Provider-Signature"

// Callback is the body the provider pushes when a job finishes
type Callback struct {
	JobID     string `json:"jobId" validate:"required"`
	Status    string `json:"status" validate:"required,oneof=succeeded failed canceled"`
	OutputRef string `json:"outputRef,omitempty" validate:"required_if=Status succeeded"`
	Reason    string `json:"reason,omitempty"`
}

func (c Callback) Outcome() models.Outcome {
	switch c.Status {
	case "succeeded":
		return models.Succeeded(c.OutputRef)
	case "canceled":
		return models.Failed("canceled by provider")
	}
	if c.Reason == "" {
		return models.Failed("prediction failed")
	}
	return models.Failed(c.Reason)
}

func SignCallback(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyCallback checks a signature in constant time. An empty secret
// rejects everything.
func VerifyCallback(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	expected := SignCallback(secret, body)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(signature))))
}

func (c Callback) String() string {
	return fmt.Sprintf("job=%s status=%s", c.JobID, c.Status)
}
