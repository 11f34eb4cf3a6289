// Package scheduler owns the polling jobs that keep widgets fresh
// independently of the push channel.
//
// Each job fires its refresh function every Interval. A fire is one
// fire-and-retry cycle: the function is called once and, on failure, retried
// up to RetryAttempts more times with RetryDelay between attempts. A cycle
// that ends in success increments SuccessCount; one that exhausts its retries
// increments Errors by exactly one. The next interval starts when the cycle
// ends, so cycles of the same job never overlap.
//
// A tick is skipped without calling the function (and without touching the
// counters) when the scheduler or the job is disabled, or when the job is
// OnlyWhenVisible and the Visibility source reports the UI as hidden.
//
// Timers come from k8s.io/utils/clock so tests can drive them with a fake
// clock.
package scheduler
