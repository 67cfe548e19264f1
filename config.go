/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package xcmq

import (
	"github.com/hyperledger-labs/xcmq/pkg/config"
	"github.com/hyperledger-labs/xcmq/pkg/journal"
	"github.com/hyperledger-labs/xcmq/pkg/modules"
	"github.com/hyperledger-labs/xcmq/pkg/outbound"
	"github.com/hyperledger-labs/xcmq/pkg/store"
	t "github.com/hyperledger-labs/xcmq/pkg/types"
)

type Config struct {
	// ID is the ParaID of the chain this runtime belongs to.
	ID t.ParaID

	// Logger provides the logging functions.
	Logger Logger

	// Handlers execute sibling-chain payloads, by page format.
	Handlers map[t.MessageFormat]modules.Handler

	// DownwardHandler executes relay-chain messages.  If nil, every downward
	// message is consumed as failed.
	DownwardHandler modules.Handler

	// Store persists the state after every block.  If nil, the state lives in memory only.
	Store *store.Store

	// Journal, if set, receives a record of every committed block.
	Journal *journal.Journal

	// JournalRetention is the number of most recent blocks kept in the journal.
	// Zero keeps everything.
	JournalRetention uint64

	// PageSize is the maximum encoded size of an outbound page.  Zero selects
	// outbound.DefaultPageSize.  It is fixed once the first state is persisted.
	PageSize int

	// PageWeigher charges outbound pages against the block's outbound weight.
	// If nil, every page costs one unit per byte.
	PageWeigher outbound.PageWeigher

	// InitialQueueConfig and InitialDmpConfig are used when no persisted state exists.
	// If nil, the defaults apply.
	InitialQueueConfig *config.QueueConfigData
	InitialDmpConfig   *config.DmpConfigData
}
