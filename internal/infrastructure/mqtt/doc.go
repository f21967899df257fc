// Package mqtt connects ghome-fhem to an MQTT broker.
//
// The FHEM bridge publishes the normalized state of every mapped device
// and accepts commands from any MQTT client:
//
//	FHEM ↔ ghome-fhem ↔ broker ↔ clients
//
// The client reconnects automatically, restores its subscriptions after
// each reconnect and keeps a retained online/offline message on
// StatusTopic. An unexpected disconnect is announced by the broker through
// the registered will.
//
//	client, err := mqtt.Connect(ctx, cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	bridge, err := fhem.NewBridge(fhem.BridgeOptions{MQTT: client})
package mqtt
