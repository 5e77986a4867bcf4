/*
Package query answers query_local requests from the local task store.

Built-in kinds and their payloads:

	list_tasks            {tasks, total, page, pages, source}   paged
	get_task_stats        {total, pending, running, completed, failed}
	search_tasks          {tasks, query, total}
	search_knowledgebase  {results, query, total}
	custom + query_name   whatever the registered CustomQuery returns

list_tasks splits its answer into pages of page_size tasks and emits one
query_result per page; only the last has is_final set. Every other kind
emits a single final result.

A query the engine cannot answer is not an error. Unknown kinds, unknown
custom names, and any built-in kind while no store is configured produce
one final result with status not_implemented, which consumers can tell
apart from a genuinely empty ok result. Store failures produce status
error with the message in data.error.
*/
package query
