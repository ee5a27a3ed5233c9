package server

import (
	"fmt"
	"strings"

	holdemledger "github.com/vctt94/holdem-ledger"
)

// ComputeAllocations is the allocation ledger: a pure, deterministic mapping
// from chip balances to a conserved integer allocation vector. The output
// lists players in participant order followed by the coordinator, always sums
// exactly to the session's fixed total deposit, and pins the coordinator to
// zero. All arithmetic is in integer base units; nothing here touches
// floating point after the single per-participant conversion.
func ComputeAllocations(def holdemledger.SessionDefinition, chips map[string]int64) ([]holdemledger.AllocationEntry, error) {
	if len(def.Players) == 0 {
		return nil, fmt.Errorf("session %s has no players", def.RoomID)
	}

	// Case-insensitive chip lookup keyed by lowercased address.
	byAddr := make(map[string]int64, len(chips))
	for addr, c := range chips {
		byAddr[strings.ToLower(strings.TrimSpace(addr))] += c
	}
	chipsOf := func(addr string) int64 {
		return byAddr[strings.ToLower(strings.TrimSpace(addr))]
	}

	var totalChips int64
	for _, p := range def.Players {
		totalChips += chipsOf(p)
	}

	entries := make([]holdemledger.AllocationEntry, 0, len(def.Players)+1)

	if totalChips == 0 {
		// Degenerate case: a session opened but no hand ever moved chips
		// into play. Split the deposit equally across players only, one
		// base unit of the remainder at a time from the first
		// participant.
		n := int64(len(def.Players))
		base := def.TotalDeposit / n
		rem := def.TotalDeposit % n
		for i, p := range def.Players {
			amt := base
			if int64(i) < rem {
				amt++
			}
			entries = append(entries, holdemledger.AllocationEntry{Address: p, Amount: amt})
		}
	} else {
		// Convert each player's chips to base units independently,
		// rounding once, then correct any aggregate rounding drift by
		// adjusting only the largest stack.
		var sum int64
		largest, largestChips := -1, int64(-1)
		for i, p := range def.Players {
			c := chipsOf(p)
			atoms, err := holdemledger.ChipsToAtoms(c, def.ChipUnit)
			if err != nil {
				return nil, err
			}
			entries = append(entries, holdemledger.AllocationEntry{Address: p, Amount: int64(atoms)})
			sum += int64(atoms)
			if c > largestChips {
				largest, largestChips = i, c
			}
		}
		if diff := def.TotalDeposit - sum; diff != 0 {
			entries[largest].Amount += diff
		}
	}

	// The coordinator holds full quorum weight but exactly zero value.
	entries = append(entries, holdemledger.AllocationEntry{Address: def.Coordinator, Amount: 0})

	if got := sumAllocations(entries); got != def.TotalDeposit {
		// Conservation is a construction invariant; a mismatch here is a
		// programming error, not a runtime condition to recover from.
		return nil, fmt.Errorf("internal: allocation sum %d != total deposit %d", got, def.TotalDeposit)
	}
	return entries, nil
}

// InitialAllocations gives every player their buy-in value and the
// coordinator zero; it seeds both the signing payload and lastAllocations.
func InitialAllocations(def holdemledger.SessionDefinition, buyInChips int64) ([]holdemledger.AllocationEntry, error) {
	chips := make(map[string]int64, len(def.Players))
	for _, p := range def.Players {
		chips[p] = buyInChips
	}
	return ComputeAllocations(def, chips)
}

func sumAllocations(entries []holdemledger.AllocationEntry) int64 {
	var sum int64
	for _, e := range entries {
		sum += e.Amount
	}
	return sum
}

func cloneAllocations(entries []holdemledger.AllocationEntry) []holdemledger.AllocationEntry {
	return append([]holdemledger.AllocationEntry(nil), entries...)
}
