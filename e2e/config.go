package e2e

import (
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// E2E_HTTP_URL targets a running negotiator, an in-process one is started when empty
	HTTPURL  string `envconfig:"E2E_HTTP_URL"`
	GRPCAddr string `envconfig:"E2E_GRPC_ADDR"`
	// E2E_JWT_SECRET must match the JWT_SECRET of the target
	JWTSecret string `envconfig:"E2E_JWT_SECRET" default:"e2e-secret-e2e-secret-e2e-secret"`
	// E2E_DEBUG_JSON dumps the gRPC request/response bodies as JSON
	DebugJSON bool `envconfig:"E2E_DEBUG_JSON" default:"false"`
	// E2E_COLOURS enables colorized step headers
	Colours bool `envconfig:"E2E_COLOURS" default:"true"`
}

func LoadConfig() (Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	return cfg, err
}
