package vault

import (
	"errors"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"navfund/internal/registry"
)

var (
	ErrUnauthorized  = errors.New("vault: caller not authorised")
	ErrAlreadyPaused = errors.New("vault: already paused")
	ErrNotPaused     = errors.New("vault: not paused")
	ErrCooldown      = errors.New("vault: resume cooldown has not elapsed")
)

// State is the global lifecycle state of the vault.
type State string

const (
	StateActive    State = "active"
	StatePaused    State = "paused"
	StateEmergency State = "emergency"
)

type pauseState struct {
	state         State
	since         time.Time
	cooldownUntil time.Time
	by            common.Address
}

// Status is the read model of the pause state machine.
type Status struct {
	State         State
	Since         time.Time
	CooldownUntil time.Time
	By            common.Address
	PausedAssets  []string
}

func (v *Vault) Status() Status {
	st := Status{
		State:         v.pause.state,
		Since:         v.pause.since,
		CooldownUntil: v.pause.cooldownUntil,
		By:            v.pause.by,
	}
	for asset, paused := range v.assetPaused {
		if paused {
			st.PausedAssets = append(st.PausedAssets, asset)
		}
	}
	sort.Strings(st.PausedAssets)
	return st
}

// Paused reports whether mints and redemptions are blocked globally.
func (v *Vault) Paused() bool { return v.pause.state != StateActive }

// Pause stops the vault on the owner's request. Resume is possible after PauseCooldown.
func (v *Vault) Pause(caller common.Address, now time.Time) error {
	if caller != v.owner {
		return ErrUnauthorized
	}
	if v.Paused() {
		return ErrAlreadyPaused
	}
	v.pause = pauseState{
		state:         StatePaused,
		since:         now,
		cooldownUntil: now.Add(v.params.Get().PauseCooldown),
		by:            caller,
	}
	return nil
}

// EmergencyStop may be triggered by the owner or the guardian, also on top of a regular pause.
// It always imposes EmergencyCooldown before Resume.
func (v *Vault) EmergencyStop(caller common.Address, now time.Time) error {
	if caller != v.owner && (v.guardian == (common.Address{}) || caller != v.guardian) {
		return ErrUnauthorized
	}
	if v.pause.state == StateEmergency {
		return ErrAlreadyPaused
	}
	v.pause = pauseState{
		state:         StateEmergency,
		since:         now,
		cooldownUntil: now.Add(v.params.Get().EmergencyCooldown),
		by:            caller,
	}
	return nil
}

// Resume reactivates the vault once the cooldown has elapsed.
func (v *Vault) Resume(caller common.Address, now time.Time) error {
	if caller != v.owner {
		return ErrUnauthorized
	}
	if !v.Paused() {
		return ErrNotPaused
	}
	if now.Before(v.pause.cooldownUntil) {
		return ErrCooldown
	}
	v.pause = pauseState{state: StateActive, since: now, by: caller}
	return nil
}

// PauseAsset blocks deposits of one asset independently of the global state.
func (v *Vault) PauseAsset(caller common.Address, asset string) error {
	if caller != v.owner {
		return ErrUnauthorized
	}
	asset = registry.NormalizeAsset(asset)
	if asset == "" {
		return ErrInvalidInput
	}
	v.assetPaused[asset] = true
	return nil
}

func (v *Vault) ResumeAsset(caller common.Address, asset string) error {
	if caller != v.owner {
		return ErrUnauthorized
	}
	delete(v.assetPaused, registry.NormalizeAsset(asset))
	return nil
}

func (v *Vault) AssetPaused(asset string) bool {
	return v.assetPaused[registry.NormalizeAsset(asset)]
}
