// Package protocol defines the component firmware update (CFU) wire-level
// vocabulary shared by the host, the orchestration core and the backing
// component drivers.
//
// The types model the three CFU command families:
//
//   - GET_FWVERSION: report the firmware version of every component
//   - FWUPDATE_OFFER: offer an image to a component, which accepts or rejects it
//   - FWUPDATE_CONTENT: stream the image in numbered blocks
//
// Byte-level encoding is left to the transport. Values here are plain Go
// structs with JSON tags so they travel unchanged over MQTT and HTTP.
package protocol
