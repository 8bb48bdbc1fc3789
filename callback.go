package sched

import (
	"fmt"
	"strings"
)

// ResultCallback reads a realization's output files after a successful
// (exit code 0) job attempt, persists parameters/responses to storage,
// and returns a verdict. It is invoked at most once per exit-code-0
// attempt, synchronously on the Job's own goroutine, and must not
// mutate Job state directly - only the returned LoadStatus and message
// feed back into the state machine.
type ResultCallback func(run RunArg) (LoadStatus, string)

// DefaultResultCallback is the reference ResultCallback implementation,
// grounded on the legacy forward_model_ok: on iteration 0 it reads every
// forward-init parameter from the runpath and saves it, then (only if
// parameters succeeded) reads and saves every non-empty response, and
// finally records HAS_DATA or LOAD_FAILURE in storage. A RunArg with no
// Storage has nothing configured to load and yields LoadSuccessful.
func DefaultResultCallback(run RunArg) (LoadStatus, string) {
	if run.Storage == nil {
		return LoadSuccessful, ""
	}
	exp := run.Storage.Experiment()

	paramStatus, paramMsg := LoadSuccessful, ""
	if run.Itr == 0 {
		paramStatus, paramMsg = loadParameters(run, exp)
	}

	respStatus, respMsg := LoadSuccessful, ""
	if paramStatus == LoadSuccessful {
		respStatus, respMsg = loadResponses(run, exp)
	}

	final, msg := paramStatus, paramMsg
	if respStatus != LoadSuccessful {
		final, msg = respStatus, respMsg
	}

	if final == LoadSuccessful {
		run.Storage.SetState(run.Iens, StorageHasData)
	} else {
		run.Storage.SetState(run.Iens, StorageLoadFailure)
	}
	return final, msg
}

func loadParameters(run RunArg, exp Experiment) (LoadStatus, string) {
	var errs []string
	for _, cfg := range exp.ParameterConfiguration {
		if !cfg.ForwardInit() {
			continue
		}
		ds, err := cfg.ReadFromRunPath(run.RunPath, run.Iens)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		if err := run.Storage.SaveParameters(cfg.Name(), run.Iens, ds); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return LoadFailure, strings.Join(errs, "")
	}
	return LoadSuccessful, ""
}

func loadResponses(run RunArg, exp Experiment) (LoadStatus, string) {
	var errs []string
	for _, cfg := range exp.ResponseConfiguration {
		if keys := cfg.Keys(); keys != nil && len(keys) == 0 {
			continue
		}
		ds, err := cfg.ReadFromFile(run.RunPath, run.Iens)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		if err := run.Storage.SaveResponse(cfg.Name(), ds, run.Iens); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return LoadFailure, strings.Join(errs, "\n")
	}
	return LoadSuccessful, ""
}

// safeCallback wraps a ResultCallback so an unexpected panic from the
// underlying I/O layer is caught, logged, and surfaced as a
// LoadFailure rather than taking down the Job's goroutine - the
// scheduler specification requires unexpected exceptions to be absorbed
// as the attempt's failure, never escape the Scheduler.
func safeCallback(cb ResultCallback) ResultCallback {
	return func(run RunArg) (status LoadStatus, msg string) {
		defer func() {
			if r := recover(); r != nil {
				Logger.Error("result callback panicked", "iens", run.Iens, "panic", r)
				status, msg = LoadFailure, fmt.Sprintf("callback panic: %v", r)
			}
		}()
		return cb(run)
	}
}
