package ingesterr

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatusClassification(t *testing.T) {
	cases := []struct {
		status int
		want   Kind
	}{
		{500, KindTransientTransport},
		{503, KindTransientTransport},
		{http.StatusTooManyRequests, KindTransientTransport},
		{400, KindPermanentTransport},
		{404, KindPermanentTransport},
	}
	for _, tc := range cases {
		err := HTTPStatus(tc.status, errors.New("boom"))
		assert.Equal(t, tc.want, Classify(err), "status %d", tc.status)
	}
}

func TestClassifyDefaultsUnknownErrorsToTransient(t *testing.T) {
	assert.Equal(t, KindTransientTransport, Classify(errors.New("raw network error")))
}

func TestClassifyNilIsNone(t *testing.T) {
	assert.Equal(t, KindNone, Classify(nil))
}

func TestProjectionWriteUnwraps(t *testing.T) {
	cause := errors.New("unique violation")
	err := ProjectionWrite(cause)
	assert.Equal(t, KindProjectionWrite, Classify(err))
	assert.True(t, errors.Is(err, cause))
}
