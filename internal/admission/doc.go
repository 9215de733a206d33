// Package admission implements the rate-limiting gate in front of all
// inbound traffic.
//
// Each tier keeps a windowed counter per client key on the backplane, so
// any instance may serve a client's next request and still see the same
// budget. Exhausting a window's points promotes the key into a block for
// the tier's cooldown; blocked requests are rejected outright with a
// retry hint and mutate nothing. When the cooldown elapses the bucket
// resets to full capacity.
//
// A backplane failure fails open: admission protects downstream
// components, it must not become the outage itself.
package admission
