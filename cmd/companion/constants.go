package main

const banner = "companion: a conversational assistant that remembers"

var replCommands = []string{
	"/help                         show this list",
	"/new                          start a fresh session",
	"/save                         save the session now",
	"/sessions                     list saved sessions",
	"/use <session_id>             resume a saved session",
	"/delete <session_id>          delete a saved session",
	"/export <txt|md|json> [path]  export the transcript",
	"/facts                        show remembered facts",
	"/forget <key>                 drop a remembered fact",
	"/knowledge <subcommand>       list|show|search|add|delete|activate|deactivate",
	"/persona [id]                 show or switch persona",
	"/models [model|index]         show or switch model",
	"/web search <query>           search the web",
	"/web fetch <url>              fetch a page as text",
	"/context                      show context budget usage",
	"/stats                        show session statistics",
	"/exit                         save and quit",
}
