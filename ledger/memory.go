package ledger

import (
	"context"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/btcsuite/btcutil/base58"
)

// Fault is injected into the next call of one operation on a Memory ledger.
type Fault struct {
	Err error
	// Apply lets the state change happen before Err is returned, which is how
	// a confirmation timeout after the transaction landed looks to a caller.
	Apply bool
}

type memEscrow struct {
	state  EscrowState
	funder string
}

// Memory is an in-process escrow program. It enforces the same rules as the
// on-chain program (one funding, one release or refund, no partial amounts)
// and backs local development (LEDGER_MODE=memory) and tests.
type Memory struct {
	mu       sync.Mutex
	program  Program
	balances map[string]uint64
	escrows  map[uint]*memEscrow
	faults   map[Op][]Fault
	calls    map[Op]int
	seq      uint64
}

func NewMemory(program Program) *Memory {
	return &Memory{
		program:  program,
		balances: make(map[string]uint64),
		escrows:  make(map[uint]*memEscrow),
		faults:   make(map[Op][]Fault),
		calls:    make(map[Op]int),
	}
}

// Mint credits owner's token account.
func (m *Memory) Mint(owner string, amount uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[owner] += amount
}

func (m *Memory) Balance(owner string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[owner]
}

// EscrowBalance returns the escrowed amount for a bounty.
func (m *Memory) EscrowBalance(bountyID uint) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.escrows[bountyID]; ok {
		return e.state.Balance
	}
	return 0
}

// InjectFault queues f for the next call of op.
func (m *Memory) InjectFault(op Op, f Fault) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = append(m.faults[op], f)
}

// Calls returns how many times op was invoked.
func (m *Memory) Calls(op Op) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *Memory) DeriveEscrowAddress(bountyID uint) string {
	addr, _ := m.program.EscrowAuthority(bountyID)
	return addr.String()
}

func (m *Memory) Fund(ctx context.Context, bountyID uint, amount uint64, from string) (string, error) {
	return m.apply(ctx, OpFund, bountyID, func(e *memEscrow) error {
		if amount == 0 {
			return fmt.Errorf("%w: zero amount", ErrSimulationFailed)
		}
		if !IsValidAddress(from) {
			return fmt.Errorf("%w: funder %q", ErrInvalidDestination, from)
		}
		if e.state.Balance > 0 || e.state.Released || e.state.Refunded {
			return fmt.Errorf("%w: escrow already used", ErrSimulationFailed)
		}
		if m.balances[from] < amount {
			return fmt.Errorf("%w: have %d, need %d", ErrInsufficientFunds, m.balances[from], amount)
		}
		m.balances[from] -= amount
		e.state.Balance = amount
		e.funder = from
		e.state.Funder = from
		return nil
	})
}

func (m *Memory) Release(ctx context.Context, bountyID uint, destination string) (string, error) {
	return m.apply(ctx, OpRelease, bountyID, func(e *memEscrow) error {
		if !IsValidAddress(destination) {
			return fmt.Errorf("%w: %q", ErrInvalidDestination, destination)
		}
		if e.state.Released {
			return ErrAlreadyReleased
		}
		if e.state.Balance == 0 {
			return ErrEscrowEmpty
		}
		m.balances[destination] += e.state.Balance
		e.state.Balance = 0
		e.state.Released = true
		e.state.ReleasedTo = destination
		return nil
	})
}

func (m *Memory) Refund(ctx context.Context, bountyID uint) (string, error) {
	return m.apply(ctx, OpRefund, bountyID, func(e *memEscrow) error {
		if e.state.Balance == 0 {
			return ErrEscrowEmpty
		}
		m.balances[e.funder] += e.state.Balance
		e.state.Balance = 0
		e.state.Refunded = true
		return nil
	})
}

func (m *Memory) AssignContributor(ctx context.Context, bountyID uint, contributor string) (string, error) {
	return m.apply(ctx, OpAssign, bountyID, func(e *memEscrow) error {
		if !IsValidAddress(contributor) {
			return fmt.Errorf("%w: %q", ErrInvalidDestination, contributor)
		}
		if e.state.Balance == 0 {
			return fmt.Errorf("%w: escrow not funded", ErrUnauthorized)
		}
		e.state.Contributor = contributor
		return nil
	})
}

func (m *Memory) GetEscrow(ctx context.Context, bountyID uint) (*EscrowState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.escrowFor(bountyID).state
	return &st, nil
}

func (m *Memory) escrowFor(bountyID uint) *memEscrow {
	e, ok := m.escrows[bountyID]
	if !ok {
		authority, _ := m.program.EscrowAuthority(bountyID)
		e = &memEscrow{state: EscrowState{
			Authority:    authority.String(),
			TokenAccount: m.program.EscrowTokenAccount(bountyID).String(),
		}}
		m.escrows[bountyID] = e
	}
	return e
}

// apply simulates fn against a copy, then commits it. A rejected simulation
// never changes balances.
func (m *Memory) apply(ctx context.Context, op Op, bountyID uint, fn func(*memEscrow) error) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[op]++

	var fault *Fault
	if q := m.faults[op]; len(q) > 0 {
		fault = &q[0]
		m.faults[op] = q[1:]
	}
	if fault != nil && !fault.Apply {
		return "", fault.Err
	}

	e := m.escrowFor(bountyID)
	snapshot := *e
	saved := make(map[string]uint64, len(m.balances))
	for k, v := range m.balances {
		saved[k] = v
	}
	if err := fn(e); err != nil {
		*e = snapshot
		m.balances = saved
		return "", err
	}

	m.seq++
	sig := m.signature(op, bountyID)
	e.state.LastSignature = sig
	if fault != nil {
		return "", &UnconfirmedError{Op: op, Signature: sig, Err: fault.Err}
	}
	return sig, nil
}

func (m *Memory) signature(op Op, bountyID uint) string {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(bountyID))
	binary.BigEndian.PutUint64(buf[8:], m.seq)
	sum := sha512.Sum512(append([]byte(op), buf[:]...))
	return base58.Encode(sum[:])
}
