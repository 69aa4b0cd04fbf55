package token

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"

	"tipledger/core/events"
)

type ledgerState interface {
	TokenBalanceGet(symbol string, addr [20]byte) (*big.Int, error)
	TokenBalancePut(symbol string, addr [20]byte, amount *big.Int) error
	TokenSupplyGet(symbol string) (*big.Int, error)
	TokenSupplyPut(symbol string, amount *big.Int) error
	TokenActorGet(addr [20]byte) (uint8, error)
	TokenActorPut(addr [20]byte, actor uint8) error
}

type journal interface {
	Begin() int
	Rollback(id int)
	Commit(id int) error
}

// TransferHook runs before an owner-consented transfer moves funds. The
// settlement engine uses it to credit accrual on both sides before balances
// change and to refuse moving funds reserved by open intents.
type TransferHook func(ctx context.Context, from, to [20]byte, amount *big.Int) error

// Ledger is a fungible token ledger with an owner-managed actor registry and a
// single privileged operator allowed to mint, burn and move funds without the
// holder's consent.
type Ledger struct {
	symbol   string
	state    ledgerState
	emitter  events.Emitter
	owner    [20]byte
	operator [20]byte
	hook     TransferHook
}

// NewLedger constructs a ledger for the supplied symbol.
func NewLedger(symbol string, owner [20]byte) *Ledger {
	return &Ledger{
		symbol:  strings.ToUpper(strings.TrimSpace(symbol)),
		owner:   owner,
		emitter: events.NoopEmitter{},
	}
}

// SetState configures the state backend used by the ledger.
func (l *Ledger) SetState(state ledgerState) { l.state = state }

// SetEmitter configures the event emitter used by the ledger.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		l.emitter = events.NoopEmitter{}
		return
	}
	l.emitter = emitter
}

// SetTransferHook installs the hook invoked before owner-consented transfers.
func (l *Ledger) SetTransferHook(hook TransferHook) { l.hook = hook }

// Symbol returns the normalised token symbol.
func (l *Ledger) Symbol() string { return l.symbol }

// Owner returns the registry owner.
func (l *Ledger) Owner() [20]byte { return l.owner }

// Operator returns the privileged operator.
func (l *Ledger) Operator() [20]byte { return l.operator }

// SetOperator assigns the privileged operator. Only the owner may call it.
func (l *Ledger) SetOperator(caller, operator [20]byte) error {
	if caller != l.owner {
		return ErrUnauthorized
	}
	l.operator = operator
	return nil
}

func (l *Ledger) emit(evt events.Event) {
	if l == nil || l.emitter == nil || evt == nil {
		return
	}
	l.emitter.Emit(evt)
}

func (l *Ledger) atomic(fn func() error) error {
	if l.state == nil {
		return ErrNilState
	}
	j, ok := l.state.(journal)
	if !ok {
		return fn()
	}
	id := j.Begin()
	if err := fn(); err != nil {
		j.Rollback(id)
		return err
	}
	return j.Commit(id)
}

func (l *Ledger) requireOperator(caller [20]byte) error {
	var zero [20]byte
	if l.operator == zero || caller != l.operator {
		return fmt.Errorf("%w: %s operator required", ErrUnauthorized, l.symbol)
	}
	return nil
}

func validAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

func checkedAdd(a, b *big.Int) (*big.Int, error) {
	sum := new(big.Int).Add(a, b)
	if _, overflow := uint256.FromBig(sum); overflow {
		return nil, ErrBalanceOverflow
	}
	return sum, nil
}

// BalanceOf returns the live balance of the account.
func (l *Ledger) BalanceOf(_ context.Context, account [20]byte) (*big.Int, error) {
	if l == nil || l.state == nil {
		return nil, ErrNilState
	}
	balance, err := l.state.TokenBalanceGet(l.symbol, account)
	if err != nil {
		return nil, err
	}
	if balance == nil {
		return big.NewInt(0), nil
	}
	return balance, nil
}

// TotalSupply returns the circulating supply.
func (l *Ledger) TotalSupply(_ context.Context) (*big.Int, error) {
	if l == nil || l.state == nil {
		return nil, ErrNilState
	}
	supply, err := l.state.TokenSupplyGet(l.symbol)
	if err != nil {
		return nil, err
	}
	if supply == nil {
		return big.NewInt(0), nil
	}
	return supply, nil
}

// Mint creates new tokens for the recipient.
func (l *Ledger) Mint(ctx context.Context, caller, to [20]byte, amount *big.Int) error {
	if err := l.requireOperator(caller); err != nil {
		return err
	}
	if err := validAmount(amount); err != nil {
		return err
	}
	return l.atomic(func() error {
		balance, err := l.BalanceOf(ctx, to)
		if err != nil {
			return err
		}
		supply, err := l.TotalSupply(ctx)
		if err != nil {
			return err
		}
		nextSupply, err := checkedAdd(supply, amount)
		if err != nil {
			return err
		}
		nextBalance, err := checkedAdd(balance, amount)
		if err != nil {
			return err
		}
		if err := l.state.TokenSupplyPut(l.symbol, nextSupply); err != nil {
			return err
		}
		if err := l.state.TokenBalancePut(l.symbol, to, nextBalance); err != nil {
			return err
		}
		l.emit(Minted{Token: l.symbol, To: to, Amount: new(big.Int).Set(amount)})
		return nil
	})
}

// Burn destroys tokens held by the account.
func (l *Ledger) Burn(ctx context.Context, caller, from [20]byte, amount *big.Int) error {
	if err := l.requireOperator(caller); err != nil {
		return err
	}
	if err := validAmount(amount); err != nil {
		return err
	}
	return l.atomic(func() error {
		balance, err := l.BalanceOf(ctx, from)
		if err != nil {
			return err
		}
		if balance.Cmp(amount) < 0 {
			return ErrInsufficientFunds
		}
		supply, err := l.TotalSupply(ctx)
		if err != nil {
			return err
		}
		if supply.Cmp(amount) < 0 {
			return fmt.Errorf("token: %s supply underflow", l.symbol)
		}
		if err := l.state.TokenSupplyPut(l.symbol, new(big.Int).Sub(supply, amount)); err != nil {
			return err
		}
		if err := l.state.TokenBalancePut(l.symbol, from, new(big.Int).Sub(balance, amount)); err != nil {
			return err
		}
		l.emit(Burned{Token: l.symbol, From: from, Amount: new(big.Int).Set(amount)})
		return nil
	})
}

// OperatorTransfer moves funds between accounts without the holder's consent.
func (l *Ledger) OperatorTransfer(ctx context.Context, caller, from, to [20]byte, amount *big.Int) error {
	if err := l.requireOperator(caller); err != nil {
		return err
	}
	return l.move(ctx, from, to, amount, true)
}

// Transfer moves funds on behalf of the sender, who must have authenticated
// the request upstream.
func (l *Ledger) Transfer(ctx context.Context, from, to [20]byte, amount *big.Int) error {
	if l.hook != nil {
		if err := validAmount(amount); err != nil {
			return err
		}
		if from == to {
			return ErrSelfTransfer
		}
		return l.atomic(func() error {
			if err := l.hook(ctx, from, to, amount); err != nil {
				return err
			}
			return l.move(ctx, from, to, amount, false)
		})
	}
	return l.move(ctx, from, to, amount, false)
}

func (l *Ledger) move(ctx context.Context, from, to [20]byte, amount *big.Int, operator bool) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	if from == to {
		return ErrSelfTransfer
	}
	return l.atomic(func() error {
		fromBalance, err := l.BalanceOf(ctx, from)
		if err != nil {
			return err
		}
		if fromBalance.Cmp(amount) < 0 {
			return ErrInsufficientFunds
		}
		toBalance, err := l.BalanceOf(ctx, to)
		if err != nil {
			return err
		}
		nextTo, err := checkedAdd(toBalance, amount)
		if err != nil {
			return err
		}
		if err := l.state.TokenBalancePut(l.symbol, from, new(big.Int).Sub(fromBalance, amount)); err != nil {
			return err
		}
		if err := l.state.TokenBalancePut(l.symbol, to, nextTo); err != nil {
			return err
		}
		l.emit(Transferred{Token: l.symbol, From: from, To: to, Amount: new(big.Int).Set(amount), Operator: operator})
		return nil
	})
}

// ActorType returns the registry classification of the account.
func (l *Ledger) ActorType(_ context.Context, account [20]byte) (ActorType, error) {
	if l == nil || l.state == nil {
		return ActorUnset, ErrNilState
	}
	raw, err := l.state.TokenActorGet(account)
	if err != nil {
		return ActorUnset, err
	}
	actor := ActorType(raw)
	if !actor.Valid() {
		return ActorUnset, ErrInvalidActorType
	}
	return actor, nil
}

// SetActorType classifies the account. Only the owner may call it.
func (l *Ledger) SetActorType(_ context.Context, caller, account [20]byte, actor ActorType) error {
	if caller != l.owner {
		return ErrUnauthorized
	}
	if !actor.Valid() {
		return ErrInvalidActorType
	}
	return l.atomic(func() error {
		if err := l.state.TokenActorPut(account, uint8(actor)); err != nil {
			return err
		}
		l.emit(ActorSet{Account: account, Actor: actor})
		return nil
	})
}
