/*
Package mqlog ships application log records to a message broker queue, for
downstream ingestion by an ELK-style pipeline, without blocking the caller:

  - `mqlog.Client` - builds records, and owns the bounded backlog and the
    elastic pool of worker goroutines that publish them
  - `mqlog.Transport` - hands out one `Handle` per publish attempt; AMQP
    (RabbitMQ) and Logstash beats implementations are built in
  - `mqlog.Encoder` - pooled JSON or msgpack serialization of records

Delivery is best effort. A record is published at most once; records lost to
broker failures or to a saturated pool are reported only through the internal
logger and `Client.Stats`, never to the caller.

Records carry these keys, with the optional ones omitted when empty:

	app_name, source_host?, log_time, log_level, log_title?, log_message, trace_id?

Titles longer than 1000 characters, and messages longer than
`ClientOptions.MaxMessageLength` characters, are cut to that many characters
followed by "...".

Applications that want a single process-wide logger can use `Init` and the
package-level `Log` functions instead of holding a `*Client`.
*/
package mqlog
