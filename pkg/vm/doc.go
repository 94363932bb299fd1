// Package vm walks domains through their lifecycle.
//
// The legal transitions are define, start, stop, destroy. Define and start
// are idempotent so a resumed provision can replay them safely; stop tries
// a guest-cooperative shutdown first and destroys the domain only after the
// graceful window expires; destroy refuses running VMs outright. Cluster
// state is updated as each transition lands, which is what makes resuming
// after a crash possible.
package vm
