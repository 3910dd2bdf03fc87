// Package relay is the signaling hub consultation agents connect to.
//
// Each session id maps to a room. The relay authenticates participants,
// checks appointment membership, forwards targeted negotiation frames,
// broadcasts chat and presence, and acknowledges every frame it accepts so
// clients can replay what was lost across a reconnect.
package relay
