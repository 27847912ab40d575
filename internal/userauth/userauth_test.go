package userauth_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/blukai/rorrelay/internal/protocol"
	"github.com/blukai/rorrelay/internal/userauth"
	"github.com/matryer/is"
)

func writeAuthFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "server.auth")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFileResolver(t *testing.T) {
	is := is.New(t)

	path := writeAuthFile(t, `
; admins
1 admin-token Head Admin
# ranked can not be granted here
6 mod-token
8 bot-token helperbot
`)

	r, err := userauth.NewFileResolver(path, nil)
	is.NoErr(err)

	ctx := context.Background()

	flags, nick, err := r.Resolve(ctx, "admin-token")
	is.NoErr(err)
	is.Equal(flags, protocol.AuthAdmin)
	is.Equal(nick, "Head Admin")

	flags, nick, err = r.Resolve(ctx, "mod-token")
	is.NoErr(err)
	is.Equal(flags, protocol.AuthMod)
	is.Equal(nick, "")

	flags, _, err = r.Resolve(ctx, "bot-token")
	is.NoErr(err)
	is.True(flags.Has(protocol.AuthBot))

	flags, _, err = r.Resolve(ctx, "nobody")
	is.True(errors.Is(err, userauth.ErrUnknownToken))
	is.Equal(flags, protocol.AuthNone)
}

func TestFileResolverReportsBadLines(t *testing.T) {
	is := is.New(t)

	path := writeAuthFile(t, "x token\nlonely\n1 good\n")

	_, err := userauth.NewFileResolver(path, nil)
	is.True(err != nil)
}

func TestNop(t *testing.T) {
	is := is.New(t)

	flags, nick, err := userauth.Nop{}.Resolve(context.Background(), "anything")
	is.NoErr(err)
	is.Equal(flags, protocol.AuthNone)
	is.Equal(nick, "")
}
