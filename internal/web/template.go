package web

const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Code Assistant</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; margin: 0; padding: 20px; background: #f5f5f5; }
        .container { max-width: 960px; margin: 0 auto; background: white; border-radius: 8px; box-shadow: 0 2px 10px rgba(0,0,0,0.1); overflow: hidden; }
        .header { background: #2c3e50; color: white; padding: 20px; }
        .header h1 { margin: 0; font-size: 24px; }
        .section { padding: 20px; border-bottom: 1px solid #eee; }
        textarea { width: 100%; min-height: 90px; font-family: inherit; font-size: 14px; box-sizing: border-box; }
        pre { background: #f8f9fa; border: 1px solid #e9ecef; border-radius: 4px; padding: 12px; overflow-x: auto; white-space: pre-wrap; }
        .error { background: #fdecea; color: #b71c1c; padding: 12px 20px; }
        .outcome { display: inline-block; padding: 2px 8px; border-radius: 4px; background: #e3f2fd; font-size: 12px; }
        .memory li { margin-bottom: 8px; }
        button { background: #2c3e50; color: white; border: 0; border-radius: 4px; padding: 8px 16px; cursor: pointer; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header">
            <h1>Code Assistant</h1>
        </div>
        {{if .Error}}<div class="error">{{.Error}}</div>{{end}}
        <div class="section">
            <form method="POST" action="/" enctype="multipart/form-data">
                <p><textarea name="prompt" placeholder="Ask for code, or describe an analysis of the uploaded CSV">{{.Prompt}}</textarea></p>
                <p><label>CSV file (bound as <code>df</code>): <input type="file" name="file" accept=".csv,text/csv"></label></p>
                <p><button type="submit">Submit</button></p>
            </form>
            {{if .Dataset}}<p>Dataset: {{.Dataset}}</p>{{end}}
        </div>
        {{with .Reply}}
        <div class="section">
            <h2>Response</h2>
            <pre>{{.Response}}</pre>
            {{if .Code}}
            <h2>Code</h2>
            <pre>{{.Code}}</pre>
            {{end}}
            <h2>Result <span class="outcome">{{.Outcome}}</span></h2>
            <pre>{{$.Message}}</pre>
        </div>
        {{end}}
        <div class="section memory">
            <h2>Memory</h2>
            {{if .History}}
            <ul>
                {{range .History}}
                <li><strong>Prompt:</strong> {{.Prompt}}<br><strong>Response:</strong> {{truncate .Response 200}} <span class="outcome">{{.Outcome}}</span></li>
                {{end}}
            </ul>
            <form method="POST" action="/api/reset"><button type="submit">Reset memory</button></form>
            {{else}}
            <p>No interactions yet.</p>
            {{end}}
        </div>
    </div>
</body>
</html>`
