// Package kafka carries engine events to Kafka.
//
// Config, CreateTransport and the error helpers follow the same conventions
// as the other infrastructure packages. kafka/producer holds the writer and
// the KafkaPublisher that events.KafkaForwarder uses as its sink:
//
//	p, _ := producer.NewProducer(cfg, log)
//	pub := producer.NewPublisher(p, "runkit", log)
//	fwd := events.NewKafkaForwarder(bus, pub, events.ForwarderConfig{}, log)
//
// Component owns the producer's lifecycle in a component.Registry.
//
//	kafka:
//	  enabled: true
//	  brokers: ["localhost:9092"]
//	  compression: snappy
package kafka
