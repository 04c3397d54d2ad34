/*
Package cli builds the configuration of the command-line tools. It defines a [Config] type that
registers command-line flags (using the Golang flag package) and fills the remaining fields from
environment variables, an optional .env file and built-in defaults, in that order of precedence.

OAuth tokens are read from the token file written by the authorization service. If that file
does not exist and a keyring token name is configured, the token is read from the system keyring
through [keyring]'s platform-agnostic interface.

# Examples

	config := cli.NewConfig()
	config.RegisterCommandLineFlags()
	flag.Parse()
	if err := config.ReadFromEnvironment(); err != nil {
		panic(err)
	}
	d := dispatcher.New(config.Dispatcher(), config)
*/
package cli

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/99designs/keyring"
	"github.com/joho/godotenv"

	"github.com/sersebasti/tesla-command/internal/log"
	"github.com/sersebasti/tesla-command/pkg/dispatcher"
	"github.com/sersebasti/tesla-command/pkg/token"
)

// Environment variable names used by [Config.ReadFromEnvironment].
const (
	EnvTeslaVIN          = "TESLA_VIN"
	EnvTeslaTokenFile    = "TESLA_TOKEN_FILE"
	EnvTeslaTokenName    = "TESLA_TOKEN_NAME"
	EnvProxyHost         = "TESLA_PROXY_HOST"
	EnvProxyPort         = "TESLA_PROXY_PORT"
	EnvProxyCACert       = "TESLA_PROXY_CA_CERT"
	EnvCommandTimeout    = "TESLA_COMMAND_TIMEOUT"
	EnvTeslaKeyringType  = "TESLA_KEYRING_TYPE"
	EnvTeslaKeyringPass  = "TESLA_KEYRING_PASSWORD"
	EnvTeslaKeyringPath  = "TESLA_KEYRING_PATH"
	EnvTeslaKeyringDebug = "TESLA_KEYRING_DEBUG"
	EnvVerbose           = "TESLA_VERBOSE"
	EnvLogLevel          = "TESLA_LOG_LEVEL"
)

// Defaults used when neither a flag nor an environment variable sets a field.
const (
	DefaultHost          = "localhost"
	DefaultPort          = 4443
	DefaultTokenFilename = "data/tesla_token_latest.json"
	DefaultCertFilename  = "tesla-proxy-config/cert.pem"
	DefaultEnvFilename   = ".env"
)

var (
	ErrNoTokenSource = errors.New("token file not found and no keyring token name configured")
	ErrKeyNotFound   = keyring.ErrKeyNotFound
)

// Config fields determine how commands reach the proxy and how the client authenticates.
type Config struct {
	VIN              string
	Host             string
	Port             int
	TokenFilename    string
	KeyringTokenName string // Username for OAuth token in system keyring
	CertFilename     string // CA certificate used to verify the proxy
	Timeout          time.Duration
	EnvFilename      string
	Verbose          bool
	LogLevel         string // none, error, warning, info or debug. Verbose selects debug.
	Backend          keyring.Config
	BackendType      backendType
	Debug            bool // Enable keyring debug messages

	password   *string
	oauthToken string
}

func NewConfig() *Config {
	c := Config{
		Backend: keyring.Config{
			ServiceName:              keyringServiceName,
			KeychainTrustApplication: true,
			KeyCtlScope:              "user",
		},
	}
	c.BackendType = backendType{&c}
	c.Backend.KeychainPasswordFunc = c.getPassword
	c.Backend.FilePasswordFunc = c.getPassword
	return &c
}

// RegisterCommandLineFlags adds flags for every Config field to flag.CommandLine.
func (c *Config) RegisterCommandLineFlags() {
	c.RegisterFlags(flag.CommandLine)
}

// RegisterFlags adds flags for every Config field to flags.
func (c *Config) RegisterFlags(flags *flag.FlagSet) {
	flags.StringVar(&c.VIN, "vin", "", "Vehicle Identification Number. Defaults to $TESLA_VIN.")
	flags.StringVar(&c.Host, "host", "", "Proxy `hostname`. Defaults to $TESLA_PROXY_HOST or "+DefaultHost+".")
	flags.IntVar(&c.Port, "port", 0, "Proxy `port`. Defaults to $TESLA_PROXY_PORT or "+strconv.Itoa(DefaultPort)+".")
	flags.StringVar(&c.TokenFilename, "token-file", "", "JSON `file` containing the OAuth access_token. Defaults to $TESLA_TOKEN_FILE or "+DefaultTokenFilename+".")
	flags.StringVar(&c.KeyringTokenName, "token-name", "", "System keyring `name` for OAuth token, used if the token file does not exist. Defaults to $TESLA_TOKEN_NAME.")
	flags.StringVar(&c.CertFilename, "cacert", "", "CA certificate `file` used to verify the proxy. Defaults to $TESLA_PROXY_CA_CERT or "+DefaultCertFilename+".")
	flags.DurationVar(&c.Timeout, "timeout", 0, "Command timeout (0 waits indefinitely). Defaults to $TESLA_COMMAND_TIMEOUT.")
	flags.StringVar(&c.EnvFilename, "env-file", DefaultEnvFilename, "Load environment variables from `file` if it exists")
	flags.BoolVar(&c.Verbose, "debug", false, "Enable verbose debugging messages. Defaults to $TESLA_VERBOSE.")
	flags.StringVar(&c.LogLevel, "log-level", "", "Log `level` (none|error|warning|info|debug). Defaults to $TESLA_LOG_LEVEL or warning.")

	var names []string
	for _, name := range keyring.AvailableBackends() {
		names = append(names, string(name))
	}
	sort.Strings(names)
	flags.Var(&c.BackendType, "keyring-type", "Keyring `type` ("+strings.Join(names, "|")+"). Defaults to $TESLA_KEYRING_TYPE.")
	flags.StringVar(&c.Backend.FileDir, "keyring-file-dir", "", "keyring `directory` for file-backed keyring types. Defaults to $TESLA_KEYRING_PATH or "+keyringDirectory+".")
	flags.BoolVar(&c.Debug, "keyring-debug", false, "Enable keyring debug logging")
}

// ReadFromEnvironment populates c using environment variables, after loading c.EnvFilename into
// the environment if that file exists. Values that are already populated are not overwritten,
// and variables already present in the process environment take precedence over the file.
//
// Call ReadFromEnvironment after flag.Parse() so that explicit command-line parameters win.
func (c *Config) ReadFromEnvironment() error {
	if c.EnvFilename != "" {
		if err := godotenv.Load(c.EnvFilename); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("failed to load %s: %w", c.EnvFilename, err)
			}
			log.Debug("No environment file at %s", c.EnvFilename)
		} else {
			log.Debug("Loaded environment from %s", c.EnvFilename)
		}
	}

	if !c.Verbose {
		if verbose, ok := os.LookupEnv(EnvVerbose); ok {
			c.Verbose = verbose != "false" && verbose != "0"
		}
	}
	if c.LogLevel == "" {
		c.LogLevel = os.Getenv(EnvLogLevel)
	}
	if c.Verbose {
		log.SetLevel(log.LevelDebug)
	} else if c.LogLevel != "" {
		level, err := log.ParseLevel(c.LogLevel)
		if err != nil {
			return err
		}
		log.SetLevel(level)
	}

	if c.VIN == "" {
		c.VIN = os.Getenv(EnvTeslaVIN)
		log.Debug("Set VIN to '%s'", c.VIN)
	}
	if c.Host == "" {
		c.Host = getEnv(EnvProxyHost, DefaultHost)
		log.Debug("Set proxy host to '%s'", c.Host)
	}
	if c.Port == 0 {
		c.Port = DefaultPort
		if port, ok := os.LookupEnv(EnvProxyPort); ok {
			var err error
			if c.Port, err = strconv.Atoi(port); err != nil {
				return fmt.Errorf("invalid port: %s", port)
			}
		}
		log.Debug("Set proxy port to %d", c.Port)
	}
	if c.TokenFilename == "" {
		c.TokenFilename = getEnv(EnvTeslaTokenFile, DefaultTokenFilename)
		log.Debug("Set OAuth token file to '%s'", c.TokenFilename)
	}
	if c.KeyringTokenName == "" {
		c.KeyringTokenName = os.Getenv(EnvTeslaTokenName)
		log.Debug("Set OAuth token name to '%s'", c.KeyringTokenName)
	}
	if c.CertFilename == "" {
		c.CertFilename = getEnv(EnvProxyCACert, DefaultCertFilename)
		log.Debug("Set CA certificate file to '%s'", c.CertFilename)
	}
	if c.Timeout == 0 {
		if timeout, ok := os.LookupEnv(EnvCommandTimeout); ok {
			var err error
			if c.Timeout, err = time.ParseDuration(timeout); err != nil {
				return fmt.Errorf("invalid timeout: %s", timeout)
			}
			log.Debug("Set command timeout to %s", c.Timeout)
		}
	}

	if c.BackendType.String() == string(keyring.InvalidBackend) {
		if err := c.BackendType.Set(os.Getenv(EnvTeslaKeyringType)); err == nil {
			log.Debug("Set keyring type to '%s'", c.BackendType)
		}
	}
	if c.password == nil {
		password := os.Getenv(EnvTeslaKeyringPass)
		c.password = &password
		if len(password) > 0 {
			log.Debug("Set keyring File Password to %s", strings.Repeat("*", len("hunter2")))
		}
	}
	if c.Backend.FileDir == "" {
		c.Backend.FileDir = getEnv(EnvTeslaKeyringPath, keyringDirectory)
		log.Debug("Set keyring File Path to '%s'", c.Backend.FileDir)
	}
	if !c.Debug {
		_, c.Debug = os.LookupEnv(EnvTeslaKeyringDebug)
	}
	keyring.Debug = c.Debug
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Dispatcher returns the endpoint configuration used by [dispatcher.New].
func (c *Config) Dispatcher() dispatcher.Config {
	return dispatcher.Config{
		Host:    c.Host,
		Port:    c.Port,
		VIN:     c.VIN,
		CAFile:  c.CertFilename,
		Timeout: c.Timeout,
	}
}

// AccessToken implements [dispatcher.TokenSource].
//
// The token file takes priority. The system keyring is consulted only if the token file does not
// exist and c.KeyringTokenName is set. Every error wraps [token.ErrNotFound]. The token is cached
// after it is first loaded.
func (c *Config) AccessToken() (string, error) {
	if c.oauthToken != "" {
		return c.oauthToken, nil
	}
	if c.TokenFilename != "" {
		record, err := token.LoadFile(c.TokenFilename)
		if err == nil {
			log.Debug("Loaded OAuth token from %s", c.TokenFilename)
			c.oauthToken = record.AccessToken
			return c.oauthToken, nil
		}
		if !errors.Is(err, fs.ErrNotExist) || c.KeyringTokenName == "" {
			return "", err
		}
		// If the token file doesn't exist, fall through to trying to load from the system keyring.
		log.Debug("Token file %s not found, trying keyring", c.TokenFilename)
	}
	if c.KeyringTokenName == "" {
		return "", fmt.Errorf("%w: %w", token.ErrNotFound, ErrNoTokenSource)
	}
	accessToken, err := c.LoadTokenFromKeyring()
	if errors.Is(err, ErrKeyNotFound) {
		return "", fmt.Errorf("%w: no entry '%s' in system keyring", token.ErrNotFound, c.KeyringTokenName)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %w", token.ErrNotFound, err)
	}
	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		return "", fmt.Errorf("%w: keyring entry '%s' is empty", token.ErrNotFound, c.KeyringTokenName)
	}
	c.oauthToken = accessToken
	return c.oauthToken, nil
}
