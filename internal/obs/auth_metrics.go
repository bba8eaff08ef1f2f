package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

// AuthMetrics counts login, lockout, reset and permission outcomes.
type AuthMetrics struct {
	logins      *prometheus.CounterVec
	lockouts    prometheus.Counter
	resets      *prometheus.CounterVec
	permissions *prometheus.CounterVec
	expired     prometheus.Counter
}

// NewAuthMetrics builds the auth counters and registers them with reg.
func NewAuthMetrics(reg prometheus.Registerer) *AuthMetrics {
	m := &AuthMetrics{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cofradia_login_attempts_total",
			Help: "Login attempts by outcome.",
		}, []string{"outcome"}),
		lockouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cofradia_account_lockouts_total",
			Help: "Accounts locked after too many failed logins.",
		}),
		resets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cofradia_password_resets_total",
			Help: "Password reset flow events by stage.",
		}, []string{"stage"}),
		permissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cofradia_permission_checks_total",
			Help: "Content access decisions.",
		}, []string{"result"}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cofradia_sessions_expired_total",
			Help: "Sessions ended by the idle timeout.",
		}),
	}
	reg.MustRegister(m.logins, m.lockouts, m.resets, m.permissions, m.expired)
	return m
}

func (m *AuthMetrics) LoginAttempt(outcome string) { m.logins.WithLabelValues(outcome).Inc() }
func (m *AuthMetrics) AccountLocked()              { m.lockouts.Inc() }
func (m *AuthMetrics) PasswordReset(stage string)  { m.resets.WithLabelValues(stage).Inc() }
func (m *AuthMetrics) SessionExpired()             { m.expired.Inc() }

func (m *AuthMetrics) PermissionCheck(allowed bool) {
	result := "denied"
	if allowed {
		result = "allowed"
	}
	m.permissions.WithLabelValues(result).Inc()
}
