package models

import (
	"sync"
	"time"

	ttlworker "github.com/FloatTech/ttl"
	"github.com/moyoez/batchsend/orchestrator"
	"github.com/moyoez/batchsend/tool"
	"github.com/moyoez/batchsend/types"
)

var (
	engineMu sync.RWMutex
	engine   *orchestrator.Orchestrator

	receiptMu sync.RWMutex
	receipts  = ttlworker.NewCache[string, types.SubmitReceipt](tool.DefaultReceiptTTL)
)

// SetOrchestrator sets the engine the control API works on.
func SetOrchestrator(o *orchestrator.Orchestrator) {
	engineMu.Lock()
	defer engineMu.Unlock()
	engine = o
}

// GetOrchestrator returns the engine, or nil before main has set it.
func GetOrchestrator() *orchestrator.Orchestrator {
	engineMu.RLock()
	defer engineMu.RUnlock()
	return engine
}

// SetReceiptTTL sets how long submit receipts are kept. Receipts cached
// before the call are dropped, so call it before the server starts.
func SetReceiptTTL(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	receiptMu.Lock()
	defer receiptMu.Unlock()
	receipts = ttlworker.NewCache[string, types.SubmitReceipt](ttl)
}

// NewReceipt builds and caches the receipt of one submission.
func NewReceipt(outcomes []types.Outcome) types.SubmitReceipt {
	receipt := types.SubmitReceipt{
		SubmissionId: tool.GenerateShortID(),
		CreatedAt:    time.Now(),
		Outcomes:     outcomes,
	}
	for _, o := range outcomes {
		if o.Accepted() {
			receipt.Accepted++
		} else {
			receipt.Rejected++
		}
	}
	receiptMu.Lock()
	defer receiptMu.Unlock()
	receipts.Set(receipt.SubmissionId, receipt)
	return receipt
}

// LookupReceipt returns a cached receipt.
func LookupReceipt(submissionId string) (types.SubmitReceipt, bool) {
	receiptMu.RLock()
	defer receiptMu.RUnlock()
	receipt := receipts.Get(submissionId)
	return receipt, receipt.SubmissionId != ""
}
