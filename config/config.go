package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ardanlabs/conf"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	DefaultConfigPath = "config/config.toml"
	ConfigExtension   = ".toml"
	ServiceName       = "issuer-service"
	ServiceVersion    = "0.1.0"

	DefaultServiceEndpoint = "http://localhost:8080"

	// ConfigPathEnvVar overrides the config file location when set.
	ConfigPathEnvVar = "ISSUER_SERVICE_CONFIG_PATH"

	EnvironmentDev  Environment = "dev"
	EnvironmentTest Environment = "test"
	EnvironmentProd Environment = "prod"
)

type Environment string

type IssuerServiceConfig struct {
	conf.Version
	Server   ServerConfig   `toml:"server"`
	Services ServicesConfig `toml:"services"`
}

// ServerConfig represents configurable properties for the HTTP server.
type ServerConfig struct {
	Environment        Environment   `toml:"env" conf:"default:dev"`
	APIHost            string        `toml:"api_host" conf:"default:0.0.0.0:8080"`
	ReadTimeout        time.Duration `toml:"read_timeout" conf:"default:5s"`
	WriteTimeout       time.Duration `toml:"write_timeout" conf:"default:5s"`
	ShutdownTimeout    time.Duration `toml:"shutdown_timeout" conf:"default:5s"`
	LogLevel           string        `toml:"log_level" conf:"default:info"`
	EnableAllowAllCORS bool          `toml:"enable_allow_all_cors" conf:"default:false"`
}

// ServicesConfig represents configurable properties for the issuer's components.
type ServicesConfig struct {
	// at present, a single storage provider works for all services
	StorageProvider string         `toml:"storage"`
	StorageOptions  StorageOptions `toml:"storage_option"`
	ServiceEndpoint string         `toml:"service_endpoint"`
	Issuance        IssuanceConfig `toml:"issuance,omitempty"`
	Signer          SignerConfig   `toml:"signer,omitempty"`
	Verifier        VerifierConfig `toml:"verifier,omitempty"`
	Email           EmailConfig    `toml:"email,omitempty"`
}

type StorageOptions struct {
	BoltFilePath  string `toml:"bolt_file_path"`
	RedisAddress  string `toml:"redis_address"`
	RedisPassword string `toml:"redis_password"`
}

// IssuanceConfig carries the issuer identity and the knobs of the issuance
// state machine.
type IssuanceConfig struct {
	// DID under which credentials are issued.
	IssuerDID string `toml:"issuer_did"`
	// DID of the certification authority trusted to request VerifiableCertification issuance.
	TrustedCertificationAuthorityDID string `toml:"trusted_ca_did"`
	// External domain of the issuer UI; offer links are built on it.
	UIExternalDomain string `toml:"ui_external_domain"`
	// Wallet URL included in offer notifications.
	WalletURL string `toml:"wallet_url"`
	// Knowledgebase URL included in offer notifications.
	KnowledgebaseURL string `toml:"knowledgebase_url"`
	// Validity window applied to issued credentials.
	CredentialValidity time.Duration `toml:"credential_validity" conf:"default:8760h"`
	// Time a cNonce handed to the wallet remains usable.
	CNonceExpiresIn time.Duration `toml:"c_nonce_expires_in" conf:"default:10m"`
	// Max in-flight items while serving a batch credential request.
	BatchConcurrency int `toml:"batch_concurrency" conf:"default:4"`
}

// SignerConfig points at the remote signature service (DSS).
type SignerConfig struct {
	Endpoint       string        `toml:"endpoint"`
	RequestTimeout time.Duration `toml:"request_timeout" conf:"default:10s"`
}

// VerifierConfig points at the OAuth2 verifier used for machine-to-machine tokens.
type VerifierConfig struct {
	TokenEndpoint string `toml:"token_endpoint"`
	// Base64 encoded machine credential presented as client assertion.
	ClientCredential string `toml:"client_credential"`
	// JWK (JSON) used to sign client assertions. M2M token retrieval is
	// disabled when empty.
	ClientAssertionKey string `toml:"client_assertion_key"`
}

type EmailConfig struct {
	SMTPHost string `toml:"smtp_host"`
	SMTPPort int    `toml:"smtp_port" conf:"default:587"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	From     string `toml:"from"`
}

// LoadConfig attempts to load a TOML config file from the given path, and coerce it into our object model.
// Before loading, defaults are applied on certain properties, which are overwritten if specified in the TOML file.
func LoadConfig(path string) (*IssuerServiceConfig, error) {
	defaultConfig := false
	if path == "" {
		logrus.Info("no config path provided, loading default config...")
		defaultConfig = true
	} else if filepath.Ext(path) != ConfigExtension {
		return nil, fmt.Errorf("path<%s> did not match the expected TOML format", path)
	}

	var config IssuerServiceConfig
	if err := conf.Parse(os.Args[1:], ServiceName, &config); err != nil {
		switch {
		case errors.Is(err, conf.ErrHelpWanted):
			usage, usageErr := conf.Usage(ServiceName, &config)
			if usageErr != nil {
				return nil, errors.Wrap(usageErr, "parsing config")
			}
			fmt.Println(usage)
			return nil, nil
		case errors.Is(err, conf.ErrVersionWanted):
			version, versionErr := conf.VersionString(ServiceName, &config)
			if versionErr != nil {
				return nil, errors.Wrap(versionErr, "generating config version")
			}
			fmt.Println(version)
			return nil, nil
		}
		return nil, errors.Wrap(err, "parsing config")
	}

	if defaultConfig {
		config.Services = ServicesConfig{
			StorageProvider: "memory",
			ServiceEndpoint: DefaultServiceEndpoint,
		}
	} else {
		if _, err := toml.DecodeFile(path, &config); err != nil {
			return nil, errors.Wrapf(err, "could not load config: %s", path)
		}
	}

	if config.Services.ServiceEndpoint == "" {
		config.Services.ServiceEndpoint = DefaultServiceEndpoint
	}
	return &config, nil
}
