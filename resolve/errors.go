// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

package resolve

import (
	"fmt"
	"strings"

	"github.com/ceiler/hookagent/target"
)

// NotFoundError is returned when the descriptor designates nothing in the
// currently loaded code.
type NotFoundError struct {
	Descriptor target.Descriptor
	Reason     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("target `%s` not found: %s", e.Descriptor, e.Reason)
}

// AmbiguousResolutionError is returned when a search expecting a single
// member matched several ones. It usually means the host version changed.
type AmbiguousResolutionError struct {
	Descriptor target.Descriptor
	// Signatures of the matching members.
	Candidates []string
}

func (e *AmbiguousResolutionError) Error() string {
	return fmt.Sprintf("ambiguous target `%s`: %d candidates found (%s)", e.Descriptor, len(e.Candidates), strings.Join(e.Candidates, ", "))
}
