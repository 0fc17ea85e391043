package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"navfund/internal/genesis"
	"navfund/internal/service"
	"navfund/internal/storage"
	"navfund/internal/submission"
	"navfund/internal/units"
	"navfund/internal/vault"
)

// Simulate 根据 genesis 文件中的脚本跑一遍完整流程：签名报价、共识轮次、篮子申购、路由申购、赎回与管理费计提。
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	g, err := a.loadGenesis()
	if err != nil {
		return err
	}
	if len(g.Rounds) == 0 {
		return errors.New("genesis 文件没有脚本轮次 (rounds)")
	}

	var journal storage.Journal
	if opts.Persist {
		j, closeJournal, err := a.openJournal(ctx)
		if err != nil {
			return err
		}
		if j == nil {
			return errors.New("journal.backend 为 none，无法 --persist")
		}
		defer closeJournal()
		journal = j
	}

	venue, err := a.simulatedVenue(g)
	if err != nil {
		return err
	}
	notifier := a.newNotifier()
	fund, err := a.newFund(ctx, g, service.Deps{Exchange: venue, Journal: journal, Notifier: notifier}, g.Start)
	if err != nil {
		return err
	}

	script, err := newScript(g)
	if err != nil {
		return err
	}
	window := a.Config.Consensus.StalenessWindow

	var closedAt time.Time
	for i, round := range g.Rounds {
		at := g.Start.Add(round.Offset)
		accepted := script.submit(ctx, a, fund, round, at, window)
		closedAt = at.Add(time.Second)
		report, err := fund.ProcessRound(ctx, closedAt)
		if err != nil {
			return fmt.Errorf("round %d: %w", i, err)
		}
		a.printRound(report, accepted)
	}

	opsAt := closedAt.Add(time.Second)
	account := common.HexToAddress(g.Scenario.Account)
	if g.Scenario.Account == "" || account == (common.Address{}) {
		return errors.New("scenario.account 未配置")
	}

	if len(g.Scenario.Basket) > 0 {
		req, err := basketRequest(account, g.Scenario.Basket)
		if err != nil {
			return err
		}
		receipt, err := fund.MintBasket(ctx, req, opsAt)
		a.printReceipt("basket mint", receipt, err)
	}

	if g.Scenario.RoutedIn != "" {
		amount, err := units.ParseAmount(g.Scenario.RoutedIn)
		if err != nil {
			return fmt.Errorf("scenario.routed_in: %w", err)
		}
		receipt, legs, err := fund.MintRouted(ctx, vault.RoutedRequest{Account: account, Amount: amount, Recipient: account}, opsAt)
		a.printReceipt("routed mint", receipt, err)
		if err == nil {
			a.printLegs(legs)
		}
	}

	if g.Scenario.RedeemBps > 0 {
		shares := units.ApplyBps(fund.BalanceOf(account), g.Scenario.RedeemBps)
		receipt, err := fund.Redeem(ctx, vault.RedeemRequest{Owner: account, Shares: shares, Recipient: account}, opsAt)
		a.printReceipt("redeem", receipt, err)
	}

	nav, navErr := fund.NAV(opsAt)

	if g.Scenario.AccrueAfter > 0 {
		receipt, err := fund.AccrueFees(ctx, opsAt.Add(g.Scenario.AccrueAfter))
		a.printReceipt("fee accrual", receipt, err)
	}

	a.printSummary(fund, account, nav, navErr)
	return nil
}

// script signs the scripted rounds with the genesis keys.
type script struct {
	keys   map[common.Address]genesis.Reporter
	order  []common.Address
	nonces map[common.Address]uint64
}

func newScript(g *genesis.File) (*script, error) {
	s := &script{keys: make(map[common.Address]genesis.Reporter), nonces: make(map[common.Address]uint64)}
	for _, r := range g.Reporters {
		id, err := r.ID()
		if err != nil {
			return nil, err
		}
		s.keys[id] = r
		s.order = append(s.order, id)
	}
	return s, nil
}

// submit signs and submits every scripted price vector of round. It returns the accepted count;
// rejected submissions are logged and skipped.
func (s *script) submit(ctx context.Context, a *App, fund *service.Fund, round genesis.Round, at time.Time, window time.Duration) int {
	prices := make(map[common.Address]map[string]string, len(round.Prices))
	for raw, values := range round.Prices {
		prices[common.HexToAddress(raw)] = values
	}
	yields := make(map[common.Address]map[string]string, len(round.Yields))
	for raw, values := range round.Yields {
		yields[common.HexToAddress(raw)] = values
	}

	accepted := 0
	for _, id := range s.order {
		values, ok := prices[id]
		if !ok {
			continue
		}
		req, err := s.request(id, fund.Epoch(), values, yields[id], at, window)
		if err != nil {
			a.Logger.Warn().Err(err).Str("reporter", id.Hex()).Msg("skip scripted submission")
			continue
		}
		if _, err := fund.Submit(ctx, req, at); err != nil {
			a.Logger.Warn().Err(err).Str("reporter", id.Hex()).Msg("scripted submission rejected")
			continue
		}
		accepted++
	}
	return accepted
}

func (s *script) request(id common.Address, epoch uint64, prices, yields map[string]string, at time.Time, window time.Duration) (submission.Request, error) {
	key, err := s.keys[id].PrivateKey()
	if err != nil {
		return submission.Request{}, err
	}
	parsed, err := genesis.ParseValues(prices)
	if err != nil {
		return submission.Request{}, err
	}
	parsedYields, err := genesis.ParseValues(yields)
	if err != nil {
		return submission.Request{}, err
	}

	s.nonces[id]++
	req := submission.Request{
		Reporter:  id,
		Epoch:     epoch,
		Nonce:     s.nonces[id],
		Assets:    sortedAssets(parsed),
		Timestamp: at,
		Expiry:    at.Add(window),
	}
	for _, asset := range req.Assets {
		req.Prices = append(req.Prices, parsed[asset])
	}
	if len(parsedYields) > 0 {
		for _, asset := range req.Assets {
			req.Yields = append(req.Yields, parsedYields[asset])
		}
	}
	if err := req.Sign(key); err != nil {
		return submission.Request{}, err
	}
	return req, nil
}

func sortedAssets(values map[string]decimal.Decimal) []string {
	assets := make([]string, 0, len(values))
	for asset := range values {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	return assets
}

func basketRequest(account common.Address, basket map[string]string) (vault.BasketRequest, error) {
	quantities, err := genesis.ParseValues(basket)
	if err != nil {
		return vault.BasketRequest{}, fmt.Errorf("scenario.basket: %w", err)
	}
	req := vault.BasketRequest{Account: account, Recipient: account, Assets: sortedAssets(quantities)}
	for _, asset := range req.Assets {
		req.Quantities = append(req.Quantities, quantities[asset])
	}
	return req, nil
}

func (a *App) printRound(report service.RoundReport, accepted int) {
	fmt.Fprintf(a.Out, "epoch %d closed at %s: %d submissions accepted, %d/%d assets resolved, %d flags, %d slashes\n",
		report.Epoch, report.At.UTC().Format(time.RFC3339), accepted,
		report.Round.Resolved(), len(report.Round.Results), len(report.Round.Flags), len(report.Round.Slashes))

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Asset\tPrice\tYield\tParticipation(bps)\tStatus")
	for _, res := range report.Round.Results {
		if !res.Resolved {
			fmt.Fprintf(writer, "%s\t-\t-\t%s\t%s\n", res.Asset, formatDecimal(res.ParticipationBps, 2), res.Reason)
			continue
		}
		yield := "-"
		if res.Record.HasYield {
			yield = formatDecimal(res.Record.Yield, 6)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\tresolved\n",
			res.Asset, formatDecimal(res.Record.Price, 6), yield, formatDecimal(res.Record.ParticipationBps, 2))
	}
	writer.Flush()

	for _, flag := range report.Round.Flags {
		fmt.Fprintf(a.Out, "  flag %s %s deviation %s bps severe=%t\n",
			flag.Reporter.Hex(), flag.Asset, formatDecimal(flag.DeviationBps, 2), flag.Severe)
	}
	for _, slash := range report.Round.Slashes {
		fmt.Fprintf(a.Out, "  slash %s %s %d bps amount %s stake %s\n",
			slash.Reporter.Hex(), slash.Reason, slash.Bps, slash.Amount.String(), slash.StakeAfter.String())
	}
	if report.NAVErr != nil {
		fmt.Fprintf(a.Out, "  nav unavailable: %s\n", sanitizeInline(report.NAVErr.Error()))
	} else {
		fmt.Fprintf(a.Out, "  nav/share %s\n", formatDecimal(report.NAV.PerShare, 6))
	}
}

func (a *App) printReceipt(label string, r vault.Receipt, err error) {
	if err != nil {
		fmt.Fprintf(a.Out, "%s rejected: %s\n", label, sanitizeInline(err.Error()))
		return
	}
	legs := make([]string, 0, len(r.Assets))
	for i, asset := range r.Assets {
		if i < len(r.Quantities) {
			legs = append(legs, asset+"="+r.Quantities[i].String())
		}
	}
	fmt.Fprintf(a.Out, "%s %s: shares %s fee_shares %s value %s nav/share %s [%s]\n",
		label, r.ID, formatDecimal(r.Shares, 6), formatDecimal(r.FeeShares, 6),
		formatDecimal(r.Value, 6), formatDecimal(r.NAVPerShare, 6), strings.Join(legs, " "))
}

func (a *App) printLegs(legs []vault.Leg) {
	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "  Asset\tIn\tExpected\tRealized\tSlippage(bps)")
	for _, leg := range legs {
		fmt.Fprintf(writer, "  %s\t%s\t%s\t%s\t%s\n", leg.Asset,
			formatDecimal(leg.AmountIn, 6), formatDecimal(leg.Expected, 6),
			formatDecimal(leg.Realized, 6), formatDecimal(leg.SlippageBps, 2))
	}
	writer.Flush()
}

func (a *App) printSummary(fund *service.Fund, account common.Address, nav vault.Snapshot, navErr error) {
	fmt.Fprintln(a.Out, "---")
	if navErr != nil {
		fmt.Fprintf(a.Out, "nav unavailable: %s\n", sanitizeInline(navErr.Error()))
	} else {
		fmt.Fprintf(a.Out, "nav/share %s holdings value %s supply %s\n",
			formatDecimal(nav.PerShare, 6), formatDecimal(nav.HoldingsValue, 6), formatDecimal(nav.Supply, 6))
	}
	fmt.Fprintf(a.Out, "supply %s, %s holds %s\n", fund.Supply().String(), account.Hex(), fund.BalanceOf(account).String())

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Asset\tQuantity")
	for _, h := range fund.Holdings() {
		fmt.Fprintf(writer, "%s\t%s\n", h.Asset, h.Quantity.String())
	}
	writer.Flush()

	writer = tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Reporter\tStake\tSuccess rate\tDeviations\tActive")
	for _, r := range fund.Reporters() {
		stats, err := fund.ReporterStats(r.ID)
		if err != nil {
			continue
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%d\t%t\n", r.ID.Hex(), stats.Stake.String(),
			formatDecimal(stats.SuccessRate, 4), stats.ConsecutiveDeviations, stats.Active)
	}
	writer.Flush()
}
