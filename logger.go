/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package xcmq

import (
	t "github.com/hyperledger-labs/xcmq/pkg/types"
)

// Logger is the subset of the *zap.Logger which xcmq utilizes.
// It has been abstracted as interface to allow easier mocking and to
// make it possible to write a shim to support other loggers if necessary.
type Logger = t.Logger
