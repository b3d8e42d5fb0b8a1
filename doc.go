// Package meshtasticbridge bridges a packet-radio mesh network with
// external messaging endpoints.
//
// Every packet received from a radio is normalized into a canonical
// form and driven through one or more configured pipelines. A pipeline
// is an ordered chain of stages; each stage may mutate the packet,
// pass it through, or drop it, which stops the chain for that packet.
//
// # Architecture
//
// The bridge is organized around a small set of packages:
//
//   - packet: the canonical packet model and the normalizer
//   - pipeline: stage contract, registry, and the sequential runner
//   - stage/...: filters and transforms (message_filter,
//     location_filter, add_user_info, debugger, encrypt_filter,
//     decrypt_filter)
//   - output/...: egress adapters (mqtt_plugin, owntracks_plugin,
//     webhook, aprs_plugin, nostr_plugin, radio_message_plugin)
//   - broker: named NATS connections shared by stages and radios
//   - device: the radio collaborator surface and the broker-attached
//     radio implementation
//   - config: file loading, env overrides, and validation
//   - health, metric: liveness endpoint and Prometheus registry
//
// Stages are built from per-instance JSON options at assembly time and
// must be safe under concurrent application; independent packets may
// run in parallel while the stages of a single packet run strictly in
// order.
//
// # Drop semantics
//
// A stage returning a nil packet drops it: the runner stops and
// forwards nothing. Recoverable conditions (missing options,
// unreachable endpoints, inapplicable constraints) never abort a
// pipeline; only envelope crypto failures do.
package meshtasticbridge
