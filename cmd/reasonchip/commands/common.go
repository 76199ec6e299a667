package commands

import (
	"context"
	"crypto/tls"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/SouthPatron/reasonchip/engine"
	"github.com/SouthPatron/reasonchip/errors"
	"github.com/SouthPatron/reasonchip/net/transports"
)

// signalContext returns a context cancelled on SIGINT, SIGTERM, or
// SIGHUP. All long-running commands unwind when it fires.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
}

var collectionPattern = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9_]*)=(.+)$`)

// buildRegistry turns repeated --collection name=<path> flags into a
// workflow registry of lazily loaded plugin collections.
func buildRegistry(collections []string) (*engine.Registry, error) {
	registry := engine.NewRegistry()

	for _, spec := range collections {
		m := collectionPattern.FindStringSubmatch(spec)
		if m == nil {
			return nil, Exitf(ExitCommandLineError, "invalid collection %q, expected name=<path>", spec)
		}

		if err := registry.Add(engine.NewPluginCollection(m[1], m[2])); err != nil {
			return nil, Exit(ExitConfigurationProblem, err)
		}
	}

	return registry, nil
}

// buildVariables merges --vars files (left to right) and --set overrides
// (right-biased) into one variable set.
func buildVariables(varFiles []string, sets []string) (engine.Variables, error) {
	vars := engine.Variables{}

	for _, file := range varFiles {
		v := viper.New()
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, Exit(ExitConfigurationProblem,
				errors.Wrapf(err, "failed to read variables file %s", file))
		}

		layer := engine.Variables(v.AllSettings())
		vars = vars.Merge(layer)
	}

	for _, set := range sets {
		key, value, found := strings.Cut(set, "=")
		if !found || key == "" {
			return nil, Exitf(ExitCommandLineError, "invalid --set %q, expected key=value", set)
		}
		if err := vars.SetPath(key, value); err != nil {
			return nil, Exit(ExitCommandLineError, err)
		}
	}

	return vars, nil
}

// tlsFlags is the shared TLS flag set.
type tlsFlags struct {
	enabled           bool
	cert              string
	key               string
	ca                string
	noVerify          bool
	requireClientCert bool
	tlsVersion        string
}

func (f *tlsFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.enabled, "ssl", false, "Enable TLS")
	cmd.Flags().StringVar(&f.cert, "cert", "", "Certificate file")
	cmd.Flags().StringVar(&f.key, "key", "", "Private key file")
	cmd.Flags().StringVar(&f.ca, "ca", "", "Trust anchor file")
	cmd.Flags().BoolVar(&f.noVerify, "no-verify", false, "Skip peer verification (client)")
	cmd.Flags().BoolVar(&f.requireClientCert, "require-client-cert", false, "Require client certificates (server)")
	cmd.Flags().StringVar(&f.tlsVersion, "tls-version", "", "Pin the TLS version (1.2 or 1.3)")
}

func (f *tlsFlags) clientConfig() (*tls.Config, error) {
	if !f.enabled {
		return nil, nil
	}
	opts := &transports.ClientTLSOptions{
		Cert:       f.cert,
		Key:        f.key,
		CA:         f.ca,
		NoVerify:   f.noVerify,
		TLSVersion: f.tlsVersion,
	}
	cfg, err := opts.Build()
	if err != nil {
		return nil, Exit(ExitConfigurationProblem, err)
	}
	return cfg, nil
}

func (f *tlsFlags) serverConfig() (*tls.Config, error) {
	if !f.enabled {
		return nil, nil
	}
	opts := &transports.ServerTLSOptions{
		Cert:              f.cert,
		Key:               f.key,
		CA:                f.ca,
		RequireClientCert: f.requireClientCert,
		TLSVersion:        f.tlsVersion,
	}
	cfg, err := opts.Build()
	if err != nil {
		return nil, Exit(ExitConfigurationProblem, err)
	}
	return cfg, nil
}
