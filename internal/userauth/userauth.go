// Package userauth resolves the privileges of a connecting user from the
// unique token the client sends with its credentials.
package userauth

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/blukai/rorrelay/internal/lock"
	"github.com/blukai/rorrelay/internal/protocol"
	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/phuslu/log"
)

var ErrUnknownToken = errors.New("unknown token")

// Resolver maps an external identity token to privileges and an optional
// canonical nickname. an empty nickname means "keep what the client sent".
// callers treat any error as "no elevated auth".
type Resolver interface {
	Resolve(ctx context.Context, token string) (protocol.AuthFlags, string, error)
}

// Nop grants nothing to anybody.
type Nop struct{}

func (Nop) Resolve(context.Context, string) (protocol.AuthFlags, string, error) {
	return protocol.AuthNone, "", nil
}

type tokenKey uint64

func makeTokenKey(token string) tokenKey {
	return tokenKey(xxhash.Sum64String(token))
}

type record struct {
	token    string
	flags    protocol.AuthFlags
	nickname string
}

// FileResolver reads an auth file with one entry per line:
//
//	<flags> <token> [nickname]
//
// flags is the numeric AuthFlags value. lines starting with ';' or '#' are
// comments. the ranked bit can not be granted locally and is ignored.
type FileResolver struct {
	path   string
	logger *log.Logger

	mu      lock.Mutex
	records map[tokenKey]record
}

func NewFileResolver(path string, logger *log.Logger) (*FileResolver, error) {
	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	r := &FileResolver{
		path:    path,
		logger:  logger,
		records: make(map[tokenKey]record),
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the file. on error the previous entries stay in effect.
func (r *FileResolver) Reload() error {
	f, err := os.Open(r.path)
	if err != nil {
		return fmt.Errorf("could not open auth file: %w", err)
	}
	defer f.Close()

	records, err := parse(f)
	if err != nil {
		return fmt.Errorf("could not parse auth file %s: %w", r.path, err)
	}

	r.mu.Lock()
	r.records = records
	r.mu.Unlock()

	r.logger.Info().Msgf("loaded %d auth entries from %s", len(records), r.path)
	return nil
}

func parse(rd io.Reader) (map[tokenKey]record, error) {
	records := make(map[tokenKey]record)

	var errs error
	scanner := bufio.NewScanner(rd)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ";") || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 2 {
			errs = multierror.Append(errs, fmt.Errorf("line %d: want <flags> <token> [nickname]", lineno))
			continue
		}

		flags, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("line %d: invalid flags: %w", lineno, err))
			continue
		}

		rec := record{
			token: fields[1],
			flags: protocol.AuthFlags(flags) &^ protocol.AuthRanked,
		}
		if len(fields) > 2 {
			rec.nickname = strings.Join(fields[2:], " ")
		}
		records[makeTokenKey(rec.token)] = rec
	}
	if err := scanner.Err(); err != nil {
		errs = multierror.Append(errs, err)
	}

	return records, errs
}

func (r *FileResolver) Resolve(_ context.Context, token string) (protocol.AuthFlags, string, error) {
	if token == "" {
		return protocol.AuthNone, "", ErrUnknownToken
	}

	r.mu.Lock()
	rec, ok := r.records[makeTokenKey(token)]
	r.mu.Unlock()

	if !ok || rec.token != token {
		return protocol.AuthNone, "", ErrUnknownToken
	}
	return rec.flags, rec.nickname, nil
}
