// Package renewal runs the background certificate renewal loop. It
// wakes daily, re-acquires every assignment inside the renewal window
// through the convergence engine, and retries failures with exponential
// backoff between one hour and one day.
package renewal
