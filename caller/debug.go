// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package caller

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// NewDebug returns a stage that logs every call at debug level, with a
// unique call id, the request, and the reply or error. It has no other
// effect.
func NewDebug(next Caller, logger logrus.FieldLogger) Caller {
	return &debugCaller{next: next, logger: logger}
}

// DebugMiddleware is NewDebug in Middleware form.
func DebugMiddleware(logger logrus.FieldLogger) Middleware {
	return func(next Caller) Caller {
		return NewDebug(next, logger)
	}
}

type debugCaller struct {
	next   Caller
	logger logrus.FieldLogger
}

func (d *debugCaller) Invoke(ctx context.Context, method string, req, reply any) error {
	entry := d.logger.WithFields(logrus.Fields{
		"call_id": uuid.NewString(),
		"method":  method,
	})
	entry.WithField("request", req).Debug("rpc call started")
	start := time.Now()
	err := d.next.Invoke(ctx, method, req, reply)
	logCompletion(entry, time.Since(start), reply, err)
	return err
}

func logCompletion(entry logrus.FieldLogger, latency time.Duration, reply any, err error) {
	entry = entry.WithField("latency", latency)
	if err != nil {
		entry.WithError(err).Debug("rpc call failed")
		return
	}
	entry.WithField("reply", reply).Debug("rpc call completed")
}
