package gormlog

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShortCaller(t *testing.T) {
	cases := []struct{ in, want string }{
		{"", ""},
		{"/Users/alex/repo/internal/platform/db/postgres.go:38", "internal/platform/db/postgres.go:38"},
		{"/build/src/pkg/gormlog/zap.go:10", "pkg/gormlog/zap.go:10"},
		{"/srv/build/vendor/gorm.io/gorm/callbacks.go:12", "gorm/callbacks.go:12"},
		{"main.go:3", "main.go:3"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, shortCaller(tc.in), tc.in)
	}
}
