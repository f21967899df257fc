// Package influxdb writes normalized characteristic values to InfluxDB 2.x.
//
// Points go to the "characteristics" measurement, tagged with connection,
// device and characteristic. Numbers are stored as the value field; booleans
// are stored as 1/0 with the original value in the state field. Strings have
// no numeric form and are counted as skipped.
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//	client.WriteCharacteristic("fhem", "lamp", "Brightness", 40.0, time.Now())
//
// Writes are batched and non-blocking. Failed batches reach the SetOnError
// callback; Stats reports written, skipped and failed counts.
package influxdb
