package service

import (
	"context"
	"fmt"

	"navfund/internal/genesis"
	"navfund/internal/registry"
)

// Bootstrap registers the genesis reporters, seeds asset observation history and publishes the
// initial weightset for the genesis epoch.
func (f *Fund) Bootstrap(ctx context.Context, g *genesis.File) error {
	for _, r := range g.Reporters {
		id, err := r.ID()
		if err != nil {
			return err
		}
		stake, err := r.StakeAmount()
		if err != nil {
			return fmt.Errorf("reporter %s: %w", r.Address, err)
		}
		if _, err := f.Register(ctx, id, stake, g.Start); err != nil {
			return fmt.Errorf("register %s: %w", id.Hex(), err)
		}
	}
	for _, a := range g.Assets {
		if err := f.SeedAsset(ctx, a.ID, a.FirstSeen, a.Override); err != nil {
			return err
		}
	}
	if len(g.Weightset.Assets) == 0 {
		return nil
	}

	assets := make([]string, len(g.Weightset.Assets))
	for i, a := range g.Weightset.Assets {
		assets[i] = registry.NormalizeAsset(a)
	}
	epoch := f.Epoch()
	req := registry.PublishRequest{
		Epoch:   epoch,
		Assets:  assets,
		Weights: g.Weightset.Weights,
		Hash:    registry.ComputeHash(epoch, assets, g.Weightset.Weights),
	}
	if _, err := f.PublishWeightset(ctx, req, g.Start); err != nil {
		return fmt.Errorf("publish genesis weightset: %w", err)
	}
	return nil
}
