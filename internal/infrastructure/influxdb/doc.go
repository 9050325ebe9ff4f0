// Package influxdb mirrors hub telemetry into InfluxDB v2.
//
// SQLite remains the system of record; the mirror exists for dashboards
// and long-range queries. It is optional: Connect returns ErrDisabled
// when influxdb.enabled is false and callers simply skip mirroring.
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // run without the mirror
//	}
//	client.WriteNumericScalar(value)
package influxdb
