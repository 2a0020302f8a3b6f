package dap

// Unique identifiers for messages returned with error responses.
const (
	UnsupportedCommand         = 9999
	InternalError              = 8888
	NotYetImplemented          = 7777
	FailedToLaunch             = 3000
	FailedToContinue           = 3001
	UnableToSetBreakpoints     = 2002
	UnableToProduceStackTrace  = 2004
	UnableToListLocals         = 2006
	UnableToLookupVariable     = 2008
	UnableToEvaluateExpression = 2009
	UnableToHalt               = 2010
	UnableToListThreads        = 2011
	DisconnectError            = 3005
)
