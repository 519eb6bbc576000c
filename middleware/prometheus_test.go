package middleware

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.SetActiveSessions(3)
	m.AddImages(4, 1)
	m.AddImages(2, 0)
	m.AddCreditGrant("refill", 10)
	m.AddCreditGrant("refill", 0)
	m.AddCreditGrant("referral", 4)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.sessionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.imagesCreated.WithLabelValues("true")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.imagesCreated.WithLabelValues("false")))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.creditGrants.WithLabelValues("refill")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.creditGrants.WithLabelValues("referral")))
}
