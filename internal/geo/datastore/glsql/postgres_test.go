package glsql

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/geo/internal/geo/config"
)

func TestDSN(t *testing.T) {
	testCases := []struct {
		desc string
		in   config.DB
		out  string
	}{
		{desc: "empty", in: config.DB{}, out: "binary_parameters=yes"},
		{
			desc: "basic example",
			in: config.DB{
				Host:        "1.2.3.4",
				Port:        2345,
				User:        "geo-user",
				Password:    "secret",
				DBName:      "geo_production",
				SSLMode:     "require",
				SSLCert:     "/geo-cert",
				SSLKey:      "/geo-key",
				SSLRootCert: "/geo-root-cert",
			},
			out: `port=2345 host=1.2.3.4 user=geo-user password=secret dbname=geo_production sslmode=require sslcert=/geo-cert sslkey=/geo-key sslrootcert=/geo-root-cert binary_parameters=yes`,
		},
		{
			desc: "with spaces and quotes",
			in: config.DB{
				Password: "secret foo'bar",
			},
			out: `password=secret\ foo\'bar binary_parameters=yes`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			require.Equal(t, tc.out, DSN(tc.in))
		})
	}
}

func TestUint64Provider(t *testing.T) {
	var provider Uint64Provider

	dst1 := provider.To()
	require.Equal(t, []interface{}{new(uint64)}, dst1, "must be a single value holder")
	val1 := dst1[0].(*uint64)
	*val1 = uint64(100)

	dst2 := provider.To()
	require.Equal(t, []interface{}{new(uint64)}, dst2, "must be a single value holder")
	val2 := dst2[0].(*uint64)
	*val2 = uint64(200)

	require.Equal(t, []uint64{100, 200}, provider.Values())

	dst3 := provider.To()
	val3 := dst3[0].(*uint64)
	*val3 = uint64(300)

	require.Equal(t, []uint64{100, 200, 300}, provider.Values())
}
