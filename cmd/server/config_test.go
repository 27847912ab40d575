package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/matryer/is"
)

func TestLoadConfigDefaults(t *testing.T) {
	is := is.New(t)

	t.Setenv("RELAY_TERRAIN", "nhelens")
	t.Setenv("RELAY_MASTER_PROBE_NETWORKS", "192.0.2.0/24,2001:db8::/32")

	config, err := loadConfig()
	is.NoErr(err)
	is.Equal(config.Terrain, "nhelens")
	is.Equal(config.MaxClients, 16)
	is.Equal(config.QueueSoftLimit, 100)
	is.Equal(config.QueueHardLimit, 300)
	is.Equal(config.PublicAddr, config.ListenAddr)

	networks, err := config.probeNetworks()
	is.NoErr(err)
	is.Equal(len(networks), 2)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	is := is.New(t)

	config := Config{
		ServerName:     "relay",
		Terrain:        "",
		MaxClients:     0,
		ListenAddr:     "nope",
		QueueSoftLimit: 10,
		QueueHardLimit: 5,
		MasterURL:      "not a url",
		LogLevel:       "loud",
	}

	err := config.Validate()
	is.True(err != nil)

	merr, ok := err.(*multierror.Error)
	is.True(ok)
	is.Equal(len(merr.Errors), 6)
	is.True(strings.Contains(err.Error(), "LOG_LEVEL"))
}

func TestValidateBadProbeNetwork(t *testing.T) {
	is := is.New(t)

	config := Config{
		ServerName:          "relay",
		Terrain:             "any",
		MaxClients:          4,
		ListenAddr:          ":12000",
		QueueSoftLimit:      1,
		QueueHardLimit:      1,
		MasterProbeNetworks: []string{"10.0.0.0/99"},
		LogLevel:            "debug",
	}

	err := config.Validate()
	is.True(err != nil)
	is.True(strings.Contains(err.Error(), "MASTER_PROBE_NETWORKS"))
}

func TestReadMOTD(t *testing.T) {
	is := is.New(t)

	path := filepath.Join(t.TempDir(), "motd.txt")
	is.NoErr(os.WriteFile(path, []byte("welcome\r\n\nbe nice \n"), 0o644))

	lines, err := readMOTD(path)
	is.NoErr(err)
	is.Equal(lines, []string{"welcome", "be nice"})

	lines, err = readMOTD("")
	is.NoErr(err)
	is.Equal(len(lines), 0)

	_, err = readMOTD(filepath.Join(t.TempDir(), "missing.txt"))
	is.True(err != nil)
}
