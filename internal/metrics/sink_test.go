package metrics

import (
	"testing"

	"github.com/hookbridge/hookbridge/internal/models"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		name string
		code int
		kind models.ErrorKind
		want string
	}{
		{"200 ok", 200, models.ErrorNone, StatusClass2xx},
		{"204 no content", 204, models.ErrorNone, StatusClass2xx},
		{"404", 404, models.ErrorHTTP, StatusClass4xx},
		{"429", 429, models.ErrorHTTP, StatusClass4xx},
		{"500", 500, models.ErrorHTTP, StatusClass5xx},
		{"timeout", 0, models.ErrorTimeout, StatusClassTimeout},
		{"connection refused", 0, models.ErrorConnection, StatusClassConnectionError},
		{"dns failure", 0, models.ErrorDNS, StatusClassConnectionError},
		{"marshal", 0, models.ErrorMarshal, StatusClassOtherError},
		{"no code no error", 0, models.ErrorNone, StatusClassOtherError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyStatus(tt.code, tt.kind); got != tt.want {
				t.Errorf("ClassifyStatus(%d, %q) = %q, want %q", tt.code, tt.kind, got, tt.want)
			}
		})
	}
}
