package config

const (
	// TopicDocumentIndexed is the NSQ topic announcing a fully indexed
	// document. The library listing consumes it to refresh itself.
	TopicDocumentIndexed = "library.document.indexed"
)
