package kv

import "errors"

// ErrCASConflict is returned when a compare-and-swap transaction's compare
// clause did not hold. Every caller expects it: a lost CAS is dropped and
// the next event re-drives convergence.
var ErrCASConflict = errors.New("kv: compare-and-swap conflict")

// ErrNoWorkingCredentials is returned by WorkingCredentials when none of a
// host's known credential sets for a cluster could reach etcd.
var ErrNoWorkingCredentials = errors.New("kv: no working credentials for cluster")

// ErrKeyNotFound names an absent key. Get does not return it: Get reports
// an absent key through its found result with a nil error.
var ErrKeyNotFound = errors.New("kv: key not found")
