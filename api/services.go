package api

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/incentive-ledger/fees"
	"github.com/warp/incentive-ledger/generic"
	"github.com/warp/incentive-ledger/incentive"
	"github.com/warp/incentive-ledger/rental"
)

// =============================================================================
// SERVICES - Everything the handlers, scheduler and CLI share
// =============================================================================

type ServiceOptions struct {
	Incentives incentive.Config
	Fees       fees.Config
	Location   *time.Location

	Locker   generic.Locker   // nil = in-process keyed mutex
	Notifier generic.Notifier // nil = drop
	Observer generic.Observer // nil = no metrics
	Picker   incentive.Picker // nil = uniform random
	Logger   zerolog.Logger
	Now      func() time.Time
}

// Services wires one store to every engine component. All components share
// one ledger, so they share its lock domain.
type Services struct {
	Store      generic.Store
	Ledger     *generic.WalletLedger
	Payouts    *generic.PayoutAuthorizer
	Incentives *incentive.Calculator
	Rental     *rental.Calculator
	Fees       *fees.Calculator
	Location   *time.Location
	Logger     zerolog.Logger
	Now        func() time.Time
}

func NewServices(store generic.Store, opts ServiceOptions) *Services {
	if opts.Location == nil {
		opts.Location = opts.Incentives.Location
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	opts.Incentives.Location = opts.Location
	if opts.Observer == nil {
		opts.Observer = generic.NopObserver{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ledger := generic.NewWalletLedger(store, generic.LedgerOptions{
		Locker:   opts.Locker,
		Notifier: opts.Notifier,
		Observer: opts.Observer,
		Settings: store,
		Logger:   opts.Logger,
		Now:      opts.Now,
	})
	return &Services{
		Store:  store,
		Ledger: ledger,
		Payouts: generic.NewPayoutAuthorizer(store, ledger, generic.AuthorizerOptions{
			Settings: store,
			Observer: opts.Observer,
			Logger:   opts.Logger,
			Now:      opts.Now,
		}),
		Incentives: incentive.NewCalculator(store, ledger, opts.Incentives, incentive.Options{
			Picker:   opts.Picker,
			Observer: opts.Observer,
			Logger:   opts.Logger,
			Now:      opts.Now,
		}),
		Rental: rental.NewCalculator(store, ledger, rental.Options{
			Location: opts.Location,
			Observer: opts.Observer,
			Logger:   opts.Logger,
			Now:      opts.Now,
		}),
		Fees: fees.NewCalculator(store, ledger, opts.Fees, fees.Options{
			Orders:   store,
			Observer: opts.Observer,
			Logger:   opts.Logger,
		}),
		Location: opts.Location,
		Logger:   opts.Logger,
		Now:      opts.Now,
	}
}
