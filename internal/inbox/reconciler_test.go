package inbox

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
)

func sampleInbox() []Message {
	return []Message{
		{MessageHash: common.HexToHash("0x01").Hex(), Subject: "first", Amount: "5000"},
		{MessageHash: common.HexToHash("0x02").Hex(), Subject: "second", Amount: "7000"},
		{MessageHash: common.HexToHash("0x03").Hex(), Subject: "third", Amount: "5000", IsSpam: true},
	}
}

func TestApplyOutcomeSetsOnlyTarget(t *testing.T) {
	list := sampleInbox()
	got := ApplyOutcome(list, common.HexToHash("0x02"), OutcomeRead)

	assert.False(t, got[0].IsRead)
	assert.True(t, got[1].IsRead)
	assert.False(t, got[1].IsSpam)
	assert.False(t, list[1].IsRead, "input must not be mutated")
}

func TestApplyOutcomeIsIdempotent(t *testing.T) {
	for _, outcome := range []Outcome{OutcomeRead, OutcomeSpam} {
		hash := common.HexToHash("0x01")
		once := ApplyOutcome(sampleInbox(), hash, outcome)
		twice := ApplyOutcome(once, hash, outcome)
		assert.Equal(t, once, twice, outcome.String())
	}
}

func TestApplyOutcomeKeepsFlagsExclusive(t *testing.T) {
	got := ApplyOutcome(sampleInbox(), common.HexToHash("0x03"), OutcomeRead)
	assert.True(t, got[2].IsSpam)
	assert.False(t, got[2].IsRead)
}

func TestApplyOutcomeMatchesHashCaseInsensitively(t *testing.T) {
	hash := common.HexToHash("0xABCDEF")
	list := []Message{{MessageHash: "0x0000000000000000000000000000000000000000000000000000000000abcdef"}}
	got := ApplyOutcome(list, hash, OutcomeSpam)
	assert.True(t, got[0].IsSpam)
}

func TestApplyOutcomeUnknownHashIsNoop(t *testing.T) {
	list := sampleInbox()
	assert.Equal(t, list, ApplyOutcome(list, common.HexToHash("0xff"), OutcomeRead))
	assert.Empty(t, ApplyOutcome(nil, common.HexToHash("0xff"), OutcomeRead))
}
