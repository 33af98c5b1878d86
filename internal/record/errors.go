// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package record

import "errors"

// ErrInvalidHeader is returned when a record's header fails schema
// validation. Callers report and drop the record.
var ErrInvalidHeader = errors.New("record: invalid header")
