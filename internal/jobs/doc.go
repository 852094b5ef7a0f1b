// Package jobs is the host side of the dispatcher channel. It records every
// submitted conversion as a job, relays the dispatcher's outbound messages to
// storage and live subscribers, and settles each job on its terminal message.
package jobs
