// Package mqtt provides MQTT client connectivity for the CFU service.
//
// This package manages:
//   - Connection to the Mosquitto broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) on the service status topic
//
// # Architecture
//
// The broker is the remote mailbox for component requests. Tools publish a
// request to graylogic/cfu/request/{request_id}; the service answers on
// graylogic/cfu/response/{request_id} and publishes component activity on
// graylogic/cfu/event/{component_id}.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllCFURequests(), 1, handler)
package mqtt
