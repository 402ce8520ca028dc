package core

import "fmt"

type Environment string

const (
	DevelopmentEnv Environment = "development"
	ProductionEnv  Environment = "production"
	TestEnv        Environment = "test"
)

// ParseEnvironment validates the value given on the command line or in the config.
func ParseEnvironment(s string) (Environment, error) {
	switch env := Environment(s); env {
	case DevelopmentEnv, ProductionEnv, TestEnv:
		return env, nil
	default:
		return "", fmt.Errorf("unknown environment %q", s)
	}
}

func (e Environment) IsProduction() bool {
	return e == ProductionEnv
}

func (e Environment) IsDevelopment() bool {
	return e == DevelopmentEnv
}
