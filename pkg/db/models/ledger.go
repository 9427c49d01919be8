package models

import (
	"math/big"
	"time"
)

// DelayedTx is a proxy announcement that has been registered on chain but not
// yet executed. It is unique per (Controller, CallHash).
type DelayedTx struct {
	// Number is the block the announcement was included in.
	Number     uint64    `json:"number"`
	Controller string    `json:"controller"`
	Targets    []string  `json:"targets"`
	CallHash   string    `json:"callHash"`
	Era        uint32    `json:"era"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Nomination is a completed nomination of Targets by Address.
type Nomination struct {
	Address   string    `json:"address"`
	Era       uint32    `json:"era"`
	Targets   []string  `json:"targets"`
	Bonded    *big.Int  `json:"bonded"`
	BlockHash string    `json:"blockHash"`
	Timestamp time.Time `json:"timestamp"`
}

// Release is the latest known client release.
type Release struct {
	Name        string    `json:"name"`
	PublishedAt time.Time `json:"publishedAt"`
}

// Location is the hosting information of a candidate node.
type Location struct {
	Name      string    `json:"name"`
	Addr      string    `json:"addr"`
	City      string    `json:"city"`
	Region    string    `json:"region"`
	Country   string    `json:"country"`
	Provider  string    `json:"provider"`
	UpdatedAt time.Time `json:"updatedAt"`
}
