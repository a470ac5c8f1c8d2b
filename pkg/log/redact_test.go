package log

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactBuiltins(t *testing.T) {
	r := MustRedactor()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "password equals",
			in:   "login failed password=hunter2 for admin",
			want: "login failed password=" + Mask + " for admin",
		},
		{
			name: "password colon",
			in:   "sending password: hunter2",
			want: "sending password: " + Mask,
		},
		{
			name: "case insensitive",
			in:   "PASSWORD=Hunter2",
			want: "PASSWORD=" + Mask,
		},
		{
			name: "token",
			in:   "auth token=abc123def",
			want: "auth token=" + Mask,
		},
		{
			name: "secret",
			in:   "secret: s3cr3t",
			want: "secret: " + Mask,
		},
		{
			name: "api key variants",
			in:   "api_key=aaa api-key=bbb apikey=ccc",
			want: "api_key=" + Mask + " api-key=" + Mask + " apikey=" + Mask,
		},
		{
			name: "multiple occurrences in one message",
			in:   "password=one then password=two",
			want: "password=" + Mask + " then password=" + Mask,
		},
		{
			name: "no sensitive content untouched",
			in:   "connected to 192.0.2.10 port 22",
			want: "connected to 192.0.2.10 port 22",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Redact(tt.in))
		})
	}
}

func TestRedactExtraPatterns(t *testing.T) {
	r, err := NewRedactor([]string{`(community\s+)\S+`})
	require.NoError(t, err)

	assert.Equal(t, "snmp community "+Mask+" configured", r.Redact("snmp community public configured"))
	// Built-ins still apply alongside extras.
	assert.Equal(t, "password="+Mask, r.Redact("password=x"))
}

func TestRedactInvalidPattern(t *testing.T) {
	_, err := NewRedactor([]string{`([unclosed`})
	assert.Error(t, err)
}

func TestRedactMap(t *testing.T) {
	r := MustRedactor()

	in := map[string]string{
		"password": "hunter2",
		"Token":    "abc",
		"host":     "core-sw1",
		"detail":   "retry with password=hunter2",
	}
	out := r.RedactMap(in)

	assert.Equal(t, Mask, out["password"])
	assert.Equal(t, Mask, out["Token"])
	assert.Equal(t, "core-sw1", out["host"])
	assert.Equal(t, "retry with password="+Mask, out["detail"])
	// Original map is untouched.
	assert.Equal(t, "hunter2", in["password"])
}

func TestRedactMapNil(t *testing.T) {
	r := MustRedactor()
	assert.Nil(t, r.RedactMap(nil))
}
