// Package feed pulls CDP logs from an Ethereum node and hands them, in chain
// order, to the indexer.
package feed

import (
	"bytes"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/atmx/cdp-indexer/internal/indexer"
	"github.com/atmx/cdp-indexer/internal/model"
)

// ErrUnrecognized is returned by Decode for logs that are not CDP actions.
var ErrUnrecognized = errors.New("feed: not a cdp log")

// LogNewCupTopic is the topic of LogNewCup(address indexed lad, bytes32 cup).
var LogNewCupTopic = gethcrypto.Keccak256Hash([]byte("LogNewCup(address,bytes32)"))

// noteSelectors maps the function selectors carried in the first topic of
// an anonymous LogNote to the action they record.
var noteSelectors = map[[4]byte]model.ActionType{
	selector("give(bytes32,address)"): model.ActionGive,
	selector("lock(bytes32,uint256)"): model.ActionLock,
	selector("free(bytes32,uint256)"): model.ActionFree,
	selector("draw(bytes32,uint256)"): model.ActionDraw,
	selector("wipe(bytes32,uint256)"): model.ActionWipe,
	selector("bite(bytes32)"):         model.ActionBite,
	selector("shut(bytes32)"):         model.ActionShut,
}

func selector(sig string) [4]byte {
	var s [4]byte
	copy(s[:], gethcrypto.Keccak256([]byte(sig))[:4])
	return s
}

// NoteTopic returns the first topic of a LogNote for the given action, or
// the zero hash for OPEN, which is announced by LogNewCup instead.
func NoteTopic(t model.ActionType) common.Hash {
	for sel, action := range noteSelectors {
		if action == t {
			var h common.Hash
			copy(h[:], sel[:])
			return h
		}
	}
	return common.Hash{}
}

// Decode maps a raw contract log onto an indexer.Log. ts is the timestamp
// of the block containing lg.
func Decode(lg types.Log, ts time.Time) (indexer.Log, error) {
	if len(lg.Topics) == 0 {
		return indexer.Log{}, ErrUnrecognized
	}

	block := indexer.Block{
		Number:    lg.BlockNumber,
		Timestamp: ts,
		TxHash:    lg.TxHash,
		LogIndex:  lg.Index,
	}

	if lg.Topics[0] == LogNewCupTopic {
		if len(lg.Topics) < 2 {
			return indexer.Log{}, ErrUnrecognized
		}
		return indexer.Log{
			Action: model.ActionOpen,
			Guy:    lg.Topics[1].Bytes(),
			Foo:    lg.Data,
			Block:  block,
		}, nil
	}

	var sel [4]byte
	copy(sel[:], lg.Topics[0][:4])
	action, ok := noteSelectors[sel]
	if !ok || len(lg.Topics) < 3 || !bytes.Equal(lg.Topics[0][4:], make([]byte, common.HashLength-4)) {
		return indexer.Log{}, ErrUnrecognized
	}

	out := indexer.Log{
		Action: action,
		Guy:    lg.Topics[1].Bytes(),
		Foo:    lg.Topics[2].Bytes(),
		Block:  block,
	}
	if len(lg.Topics) > 3 {
		out.Bar = lg.Topics[3].Bytes()
	}
	return out, nil
}
