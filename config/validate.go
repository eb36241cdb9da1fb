package config

import (
	"fmt"
	"math/big"
	"strings"

	"keydrop/core/types"
	"keydrop/crypto"
	"keydrop/native/drops"
)

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if err := crypto.ValidateAccountID(c.ContractAccount); err != nil {
		return fmt.Errorf("config: ContractAccount: %w", err)
	}
	if err := crypto.ValidateAccountID(c.RootAccount); err != nil {
		return fmt.Errorf("config: RootAccount: %w", err)
	}
	if _, err := c.AccountDeposit(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Executor.Endpoint) == "" {
		return fmt.Errorf("config: Executor.Endpoint required")
	}
	if c.Executor.Retries < 0 {
		return fmt.Errorf("config: Executor.Retries must not be negative")
	}
	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("config: RateLimit values must not be negative")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("config: Telemetry.SampleRatio must be within [0, 1]")
	}
	switch strings.ToLower(c.Journal.Driver) {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unsupported Journal.Driver %q", c.Journal.Driver)
	}
	if c.Journal.Driver != "" && strings.TrimSpace(c.Journal.DSN) == "" {
		return fmt.Errorf("config: Journal.DSN required for driver %s", c.Journal.Driver)
	}
	if strings.TrimSpace(c.Webhook.Endpoint) != "" && strings.TrimSpace(c.Webhook.Secret) == "" {
		return fmt.Errorf("config: Webhook.Secret required when Webhook.Endpoint is set")
	}
	if c.Auth.Enabled && strings.TrimSpace(c.Auth.HMACSecret) == "" {
		return fmt.Errorf("config: Auth.HMACSecret required when Auth is enabled")
	}
	if _, err := c.GasSchedule(); err != nil {
		return err
	}
	return nil
}

// AccountDeposit parses NewAccountDeposit.
func (c *Config) AccountDeposit() (*big.Int, error) {
	raw := strings.TrimSpace(c.NewAccountDeposit)
	if raw == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("config: invalid NewAccountDeposit %q", c.NewAccountDeposit)
	}
	return v, nil
}

// GasSchedule applies the configured overrides to the default schedule.
func (c *Config) GasSchedule() (drops.GasSchedule, error) {
	s := drops.DefaultGasSchedule()
	override := func(dst *types.Gas, tgas uint64) {
		if tgas != 0 {
			*dst = types.TeraGas(tgas)
		}
	}
	g := c.Gas
	override(&s.OneCCC, g.OneCCC)
	override(&s.ClaimBase, g.ClaimBase)
	override(&s.CreateAccount, g.CreateAccount)
	override(&s.ResolveAccountCreation, g.ResolveAccountCreation)
	override(&s.NativeTransfer, g.NativeTransfer)
	override(&s.FTClaimLogic, g.FTClaimLogic)
	override(&s.FTStorageDeposit, g.FTStorageDeposit)
	override(&s.FTTransfer, g.FTTransfer)
	override(&s.FTResolveBatch, g.FTResolveBatch)
	override(&s.NFTClaimLogic, g.NFTClaimLogic)
	override(&s.NFTTransfer, g.NFTTransfer)
	override(&s.NFTResolve, g.NFTResolve)
	override(&s.FCClaimLogic, g.FCClaimLogic)
	if err := s.Validate(); err != nil {
		return s, fmt.Errorf("config: %w", err)
	}
	return s, nil
}
