package task

var builtinModules = []Module{
	&echoModule{},
	&commandModule{},
	&httpPutModule{},
}
